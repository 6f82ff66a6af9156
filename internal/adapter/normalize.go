package adapter

import (
	"encoding/json"
	"time"

	"github.com/xuhaidong1/iothub/internal/domain"
)

// payload keys that are envelope information, not sensor data
var envelopeKeys = map[string]struct{}{
	"deviceId":  {},
	"deviceKey": {},
	"tenantId":  {},
	"timestamp": {},
	"ts":        {},
	"data":      {},
}

// Normalize builds a StandardTelemetry record from a JSON payload on a
// best-effort basis. It never fails: malformed input yields a record with
// empty data but deviceKey, protocol and timestamp still set.
func Normalize(raw []byte, pc ParseContext, protocol string) domain.StandardTelemetry {
	receivedAt := pc.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	t := domain.StandardTelemetry{
		DeviceID:   pc.DeviceID,
		DeviceKey:  pc.DeviceKey,
		TenantID:   pc.TenantID,
		Data:       map[string]any{},
		Timestamp:  receivedAt.UnixMilli(),
		ReceivedAt: receivedAt.UnixMilli(),
		Protocol:   protocol,
		RawPayload: raw,
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return t
	}

	if v, ok := payload["deviceId"].(string); ok && t.DeviceID == "" {
		t.DeviceID = v
	}
	if v, ok := payload["deviceKey"].(string); ok && t.DeviceKey == "" {
		t.DeviceKey = v
	}
	if v, ok := payload["tenantId"].(string); ok && t.TenantID == "" {
		t.TenantID = v
	}
	if ts, ok := parseTimestamp(payload); ok {
		t.Timestamp = ts
	}

	// 优先取嵌套的data，平铺的报文把非信封字段都当数据
	if nested, ok := payload["data"].(map[string]any); ok {
		for k, v := range nested {
			t.Data[k] = v
		}
	} else {
		for k, v := range payload {
			if _, skip := envelopeKeys[k]; skip {
				continue
			}
			t.Data[k] = v
		}
	}

	ExtractCommonFields(&t)
	return t
}

func parseTimestamp(payload map[string]any) (int64, bool) {
	for _, key := range []string{"timestamp", "ts"} {
		switch v := payload[key].(type) {
		case float64:
			if v > 0 {
				return int64(v), true
			}
		case string:
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				return parsed.UnixMilli(), true
			}
		}
	}
	return 0, false
}

// ExtractCommonFields lifts well-known sensor keys out of Data into the
// typed fields of the record. Keys stay in Data as well.
func ExtractCommonFields(t *domain.StandardTelemetry) {
	set := func(dst **float64, key string) {
		if v, ok := t.Data[key]; ok {
			if f, ok := toFloat(v); ok {
				*dst = &f
			}
		}
	}
	set(&t.Temperature, "temperature")
	set(&t.Humidity, "humidity")
	set(&t.Pressure, "pressure")
	set(&t.Latitude, "latitude")
	set(&t.Longitude, "longitude")
	set(&t.Battery, "battery")
	set(&t.Signal, "signal")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
