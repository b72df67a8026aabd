package commsutil

import (
	"fmt"
	"strings"
)

// SubjectPrefix roots every device subject.
const SubjectPrefix = "smartspace.device"

// Per-device subject kinds.
const (
	KindCall     = "call"
	KindNotify   = "notify"
	KindDescribe = "describe"
)

// subjectToken makes a device name safe to use as one subject token.
func subjectToken(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(name)
}

// BuildDeviceSubject builds the subject a device listens on for kind.
func BuildDeviceSubject(device, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(device), kind)
}

// BuildCallSubject builds the service-call subject of device.
func BuildCallSubject(device string) string {
	return BuildDeviceSubject(device, KindCall)
}

// BuildNotifySubject builds the event-notify subject of device.
func BuildNotifySubject(device string) string {
	return BuildDeviceSubject(device, KindNotify)
}

// BuildDescribeSubject builds the subject answering with device's descriptor.
func BuildDescribeSubject(device string) string {
	return BuildDeviceSubject(device, KindDescribe)
}
