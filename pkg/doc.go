// Package pkg holds the pieces shared by the device and host halves of
// usbcore.
//
//   - Structured logging through [log/slog], tagged per component
//   - Sentinel errors for USB protocol conditions
//   - Result codes for callers that want a status instead of an error
//
// # Logging
//
// Log records go to a colorable stderr by default so level colors work on
// Windows consoles as well:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentControl, "setup", "request", setup.Request)
//
// # Errors
//
// Protocol conditions are sentinel values, checked with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // clear the halt and retry
//	}
//
// [ResultOf] folds any error into a [Result] code.
package pkg
