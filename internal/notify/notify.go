// Package notify defines the push primitive the coordinator uses to reach
// connected devices.
package notify

// Broadcast addresses every connected device.
const Broadcast = "*"

// Event names pushed to devices.
const (
	EventDeviceList      = "device_list"
	EventTransferRequest = "file_transfer_request"
	EventRequestSent     = "file_transfer_request_sent"
	EventAccepted        = "file_transfer_accepted"
	EventRejected        = "file_transfer_rejected"
	EventReady           = "file_ready_for_download"
	EventTransferError   = "file_transfer_error"
	EventExpired         = "file_transfer_expired"
)

// Notifier delivers an event to one device id or to Broadcast. Delivery is
// fire-and-forget: implementations drop and log events for gone targets.
type Notifier interface {
	Notify(target, event string, payload any)
}

// Func adapts a plain function to Notifier.
type Func func(target, event string, payload any)

func (f Func) Notify(target, event string, payload any) { f(target, event, payload) }

// Discard drops every event.
var Discard Notifier = Func(func(string, string, any) {})
