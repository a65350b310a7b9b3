// Package hid is the host-side HID class driver.
//
// A [Handle] first reads the HID and report descriptors and sends
// SET_IDLE and SET_PROTOCOL (devices that stall either of the last two
// are still used). It then polls the interrupt IN endpoint once per
// bInterval frames, starting on an even frame. Completed reports are
// queued for [Handle.Read] and passed to the driver's [ReportFunc]. A
// stalled endpoint is cleared with CLEAR_FEATURE(ENDPOINT_HALT) and
// polling resumes.
//
// Boot keyboard and mouse reports decode with [ParseKeyboardReport] and
// [ParseMouseReport].
package hid
