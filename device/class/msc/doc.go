// Package msc implements the USB Mass Storage Class with Bulk-Only
// Transport and the SCSI transparent command set.
//
// # Bulk-Only Transport
//
// Each command runs in up to three phases: a 31-byte CBW from the host, an
// optional data phase, and a 13-byte CSW from the device. The driver is
// event driven. Every packet on the bulk OUT endpoint arrives through
// DataOut; a CBW is executed immediately and its IN data and CSW are
// written from the same event, while WRITE(10) data is gathered across
// events before it is committed.
//
// When the host expects data the device does not have, the driver halts
// the bulk endpoint of the data phase. For bulk IN the CSW is held until
// the host clears the halt. An invalid CBW halts both endpoints; reset
// recovery (Bulk-Only Mass Storage Reset followed by CLEAR_FEATURE on the
// endpoints) re-arms CBW reception.
//
// # SCSI Commands
//
// TEST UNIT READY, REQUEST SENSE, INQUIRY, READ CAPACITY (10 and 16),
// READ (10), WRITE (10), MODE SENSE (6), PREVENT/ALLOW MEDIUM REMOVAL,
// START STOP UNIT, SYNCHRONIZE CACHE (10), VERIFY (10) and READ FORMAT
// CAPACITIES.
//
// # Storage
//
// [MemoryStorage] is a RAM disk. [FileStorage] serves a disk image and
// holds an advisory lock on it while open.
//
// # Usage
//
//	disk := msc.New(msc.NewMemoryStorage(1<<20, msc.DefaultBlockSize), "usbcore", "RAM Disk")
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0x1234, 0x5680).
//	    AddConfiguration(1)
//	disk.ConfigureDevice(builder, 0x81, 0x01)
//	dev, err := builder.Build()
//
//	stack := device.NewStack(dev, h)
//	disk.SetStack(stack)
//	err = stack.Start(ctx)
package msc
