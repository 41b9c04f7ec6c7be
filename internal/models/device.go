package models

import "time"

type Device struct {
	DeviceID        int64      `json:"device_id"`
	DeviceName      string     `json:"device_name"`
	DeviceAlias     string     `json:"device_alias"`
	DeviceIPAddress string     `json:"device_ip_address"`
	DeviceArea      string     `json:"device_area"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	LastSyncRequest *time.Time `json:"last_sync_request,omitempty"`
}
