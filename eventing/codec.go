package eventing

import (
	"fmt"
	"strconv"
	"time"

	"sagaflow/messaging"
)

// 必填消息头
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderCorrelationID = "correlation-id"
	HeaderSchemaVersion = "schema-version"
	HeaderOccurredAt    = "occurred-at"

	// HeaderCausationID 可选头
	HeaderCausationID = "causation-id"
)

// MalformedError 信封格式错误
//
// 缺失必填头或模式版本非法时返回。携带此错误的消息不可重试，
// 应直接进入 DLQ（原因 "malformed"）。
type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause != nil {
		return "malformed envelope: " + e.Reason + ": " + e.Cause.Error()
	}
	return "malformed envelope: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// Encode 将信封编码为传输层 Record
//
// Key 即聚合 Key 的字节；必填头写入 Headers；信封上保留的未知头
// 原样带出。Payload 直接作为 Value，不做二次包装。
func Encode(e Envelope) (messaging.Record, error) {
	if err := e.Validate(); err != nil {
		return messaging.Record{}, err
	}
	headers := make(map[string]string, len(e.Headers)+6)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[HeaderEventID] = e.EventID
	headers[HeaderEventType] = e.EventType
	headers[HeaderCorrelationID] = e.CorrelationID
	headers[HeaderSchemaVersion] = strconv.Itoa(e.SchemaVersion)
	headers[HeaderOccurredAt] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	if e.CausationID != "" {
		headers[HeaderCausationID] = e.CausationID
	}
	return messaging.Record{
		Key:     []byte(e.AggregateKey),
		Value:   e.Payload,
		Headers: headers,
	}, nil
}

// Decode 将传输层 Record 解码为信封
//
// 必填头缺失或非法时返回 *MalformedError；未知头保留在
// Envelope.Headers 中，重新编码时不丢失。
func Decode(rec messaging.Record) (Envelope, error) {
	e := Envelope{
		AggregateKey: string(rec.Key),
		Payload:      rec.Value,
	}

	e.EventID = rec.Header(HeaderEventID)
	if e.EventID == "" {
		return Envelope{}, &MalformedError{Reason: "missing header " + HeaderEventID}
	}
	e.EventType = rec.Header(HeaderEventType)
	if e.EventType == "" {
		return Envelope{}, &MalformedError{Reason: "missing header " + HeaderEventType}
	}
	e.CorrelationID = rec.Header(HeaderCorrelationID)
	if e.CorrelationID == "" {
		return Envelope{}, &MalformedError{Reason: "missing header " + HeaderCorrelationID}
	}

	sv := rec.Header(HeaderSchemaVersion)
	if sv == "" {
		return Envelope{}, &MalformedError{Reason: "missing header " + HeaderSchemaVersion}
	}
	version, err := strconv.Atoi(sv)
	if err != nil || version <= 0 {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("invalid schema version %q", sv), Cause: err}
	}
	e.SchemaVersion = version

	if ts := rec.Header(HeaderOccurredAt); ts != "" {
		occurredAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, &MalformedError{Reason: fmt.Sprintf("invalid timestamp %q", ts), Cause: err}
		}
		e.OccurredAt = occurredAt
	}

	e.CausationID = rec.Header(HeaderCausationID)

	// 保留未知头
	known := map[string]bool{
		HeaderEventID: true, HeaderEventType: true, HeaderCorrelationID: true,
		HeaderSchemaVersion: true, HeaderOccurredAt: true, HeaderCausationID: true,
	}
	for k, v := range rec.Headers {
		if !known[k] {
			if e.Headers == nil {
				e.Headers = make(map[string]string)
			}
			e.Headers[k] = v
		}
	}

	return e, nil
}
