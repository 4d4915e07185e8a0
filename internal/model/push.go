package model

// PushSubscription is a browser push endpoint that receives alarm
// notifications.
type PushSubscription struct {
	Endpoint   string `json:"endpoint"`
	P256dhKey  string `json:"p256dh_key"`
	AuthKey    string `json:"auth_key"`
	DeviceName string `json:"device_name"`
	CreatedAt  int64  `json:"created_at"`
}
