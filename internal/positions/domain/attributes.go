package positions

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Attribute keys shared across protocol codecs.
const (
	AttrSatellites = "sat"
	AttrRSSI       = "rssi"
	AttrHDOP       = "hdop"
	AttrIgnition   = "ignition"
	AttrOdometer   = "odometer"
	AttrBattery    = "battery"
	AttrPower      = "power"
	AttrFuel       = "fuel"
	AttrAlarm      = "alarm"
	AttrEvent      = "event"
	AttrArchive    = "archive"
	AttrDistance   = "distance"
	AttrIO         = "io"
	AttrGeofences  = "geofenceIds"
	AttrAccuracy   = "accuracy"
)

// Attributes is an ordered key/value store for protocol-specific fields.
// Values are kept in their raw string form for persistence; typed getters
// parse once and cache the parsed value.
type Attributes struct {
	keys   []string
	raw    map[string]string
	parsed map[string]any
}

// NewAttributes constructs an empty attribute set.
func NewAttributes() *Attributes {
	return &Attributes{
		raw:    make(map[string]string),
		parsed: make(map[string]any),
	}
}

// Set stores a raw value, preserving first-set key order.
func (a *Attributes) Set(key, value string) {
	if a == nil || key == "" {
		return
	}
	if _, exists := a.raw[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.raw[key] = value
	delete(a.parsed, key)
}

// SetFloat stores a numeric value in canonical decimal form.
func (a *Attributes) SetFloat(key string, value float64) {
	a.Set(key, strconv.FormatFloat(value, 'f', -1, 64))
}

// SetInt stores an integer value.
func (a *Attributes) SetInt(key string, value int64) {
	a.Set(key, strconv.FormatInt(value, 10))
}

// SetBool stores a boolean value.
func (a *Attributes) SetBool(key string, value bool) {
	a.Set(key, strconv.FormatBool(value))
}

// Has reports whether a key is present.
func (a *Attributes) Has(key string) bool {
	if a == nil {
		return false
	}
	_, ok := a.raw[key]
	return ok
}

// Keys returns keys in first-set order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.keys...)
}

// Len returns the number of stored attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// GetString returns the raw value for a key.
func (a *Attributes) GetString(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	value, ok := a.raw[key]
	return value, ok
}

// GetFloat parses the value as a decimal number, caching the result.
func (a *Attributes) GetFloat(key string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	if cached, ok := a.parsed[key]; ok {
		value, ok := cached.(float64)
		return value, ok
	}
	raw, ok := a.raw[key]
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	a.parsed[key] = value
	return value, true
}

// GetInt parses the value as a base-10 integer, caching the result.
func (a *Attributes) GetInt(key string) (int64, bool) {
	if a == nil {
		return 0, false
	}
	if cached, ok := a.parsed[key]; ok {
		value, ok := cached.(int64)
		return value, ok
	}
	raw, ok := a.raw[key]
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	a.parsed[key] = value
	return value, true
}

// GetBool parses the value as a boolean. "1" and "0" are accepted alongside
// the forms strconv understands.
func (a *Attributes) GetBool(key string) (bool, bool) {
	if a == nil {
		return false, false
	}
	if cached, ok := a.parsed[key]; ok {
		value, ok := cached.(bool)
		return value, ok
	}
	raw, ok := a.raw[key]
	if !ok {
		return false, false
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	a.parsed[key] = value
	return value, true
}

// GetTime parses the value as unix seconds or RFC3339, caching the result.
func (a *Attributes) GetTime(key string) (time.Time, bool) {
	if a == nil {
		return time.Time{}, false
	}
	if cached, ok := a.parsed[key]; ok {
		value, ok := cached.(time.Time)
		return value, ok
	}
	raw, ok := a.raw[key]
	if !ok {
		return time.Time{}, false
	}
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		value := time.Unix(seconds, 0).UTC()
		a.parsed[key] = value
		return value, true
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	value = value.UTC()
	a.parsed[key] = value
	return value, true
}

// MarshalJSON serializes raw values as an object in key order.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	if a == nil || len(a.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(a.raw[key])
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores raw values preserving document order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	a.keys = nil
	a.raw = make(map[string]string)
	a.parsed = make(map[string]any)

	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return errInvalidAttributes
	}
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := keyToken.(string)
		if !ok {
			return errInvalidAttributes
		}
		var value string
		if err := decoder.Decode(&value); err != nil {
			return err
		}
		a.Set(key, value)
	}
	_, err = decoder.Token()
	return err
}

var errInvalidAttributes = errors.New("positions: attributes must be a JSON object of strings")
