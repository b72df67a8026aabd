// Package messages defines the service call, response, notify and device types exchanged by the smartspace core.
package messages

import (
	"fmt"
)

// ServiceType tells whether a call is a plain request/response or needs data-stream channels.
type ServiceType string

const (
	ServiceTypeDiscrete ServiceType = "DISCRETE"
	ServiceTypeStream   ServiceType = "STREAM"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeTargetNotFound    = "TARGET_NOT_FOUND"
	CodeMethodNotFound    = "METHOD_NOT_FOUND"
	CodeNetworkFailure    = "NETWORK_FAILURE"
	CodeInvocationFailure = "INVOCATION_FAILURE"
	CodeInvalidCall       = "INVALID_CALL"
)

// ServiceCall is a request to execute a named service on a driver or application instance.
type ServiceCall struct {
	Driver       string            `json:"driver"`
	Service      string            `json:"service"`
	InstanceID   string            `json:"instanceId,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	ServiceType  ServiceType       `json:"serviceType,omitempty"`
	Channels     int               `json:"channels,omitempty"`
	ChannelIDs   []string          `json:"channelIds,omitempty"`
	ChannelType  string            `json:"channelType,omitempty"`
	SecurityType string            `json:"securityType,omitempty"`
}

// NewServiceCall creates a DISCRETE call for service on the given driver instance.
func NewServiceCall(driver, service, instanceID string) *ServiceCall {
	return &ServiceCall{
		Driver:      driver,
		Service:     service,
		InstanceID:  instanceID,
		ServiceType: ServiceTypeDiscrete,
	}
}

// WithParameter sets a parameter and returns the call for chaining.
func (c *ServiceCall) WithParameter(key, value string) *ServiceCall {
	if c.Parameters == nil {
		c.Parameters = make(map[string]string)
	}
	c.Parameters[key] = value
	return c
}

// WithStream turns the call into a STREAM call requesting one channel per id.
func (c *ServiceCall) WithStream(channelType string, channelIDs ...string) *ServiceCall {
	c.ServiceType = ServiceTypeStream
	c.ChannelType = channelType
	c.ChannelIDs = append([]string(nil), channelIDs...)
	c.Channels = len(channelIDs)
	return c
}

// Parameter returns the named parameter or "".
func (c *ServiceCall) Parameter(key string) string {
	if c.Parameters == nil {
		return ""
	}
	return c.Parameters[key]
}

// IsStream reports whether the call asks for data-stream channels.
func (c *ServiceCall) IsStream() bool {
	return c.ServiceType == ServiceTypeStream
}

// Validate checks the channel invariants of the call.
func (c *ServiceCall) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service name is required")
	}
	switch c.ServiceType {
	case ServiceTypeStream:
		if c.Channels <= 0 {
			return fmt.Errorf("stream call %q requests %d channels", c.Service, c.Channels)
		}
		if c.Channels != len(c.ChannelIDs) {
			return fmt.Errorf("stream call %q requests %d channels but carries %d channel ids",
				c.Service, c.Channels, len(c.ChannelIDs))
		}
	case ServiceTypeDiscrete, "":
		if c.Channels != 0 || len(c.ChannelIDs) != 0 {
			return fmt.Errorf("discrete call %q must not carry channels", c.Service)
		}
	default:
		return fmt.Errorf("unknown service type %q", c.ServiceType)
	}
	return nil
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ServiceResponse is the result of a dispatch.
type ServiceResponse struct {
	ResponseData map[string]any `json:"responseData,omitempty"`
	Error        *ErrorDetail   `json:"error,omitempty"`
}

// NewServiceResponse returns an empty successful response.
func NewServiceResponse() *ServiceResponse {
	return &ServiceResponse{}
}

// AddData sets a response value.
func (r *ServiceResponse) AddData(key string, value any) {
	if r.ResponseData == nil {
		r.ResponseData = make(map[string]any)
	}
	r.ResponseData[key] = value
}

// Data returns the named response value, or nil.
func (r *ServiceResponse) Data(key string) any {
	if r.ResponseData == nil {
		return nil
	}
	return r.ResponseData[key]
}

// SetError marks the response as failed.
func (r *ServiceResponse) SetError(code, message string, retryable bool) {
	r.Error = &ErrorDetail{Code: code, Message: message, Retryable: retryable}
}

// Failed reports whether the response carries an error.
func (r *ServiceResponse) Failed() bool {
	return r != nil && r.Error != nil
}

// Notify is an event occurrence identified by driver, instance and event key.
type Notify struct {
	EventKey   string            `json:"eventKey"`
	Driver     string            `json:"driver,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// NewNotify creates a Notify for the given event key, driver and instance.
func NewNotify(eventKey, driver, instanceID string) *Notify {
	return &Notify{EventKey: eventKey, Driver: driver, InstanceID: instanceID}
}

// WithParameter sets a payload parameter and returns the notify for chaining.
func (n *Notify) WithParameter(key, value string) *Notify {
	if n.Parameters == nil {
		n.Parameters = make(map[string]string)
	}
	n.Parameters[key] = value
	return n
}
