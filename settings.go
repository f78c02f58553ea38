package h2mux

import (
	"fmt"
	"math"
	"sort"
)

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

// Settings parameters as defined in RFC 7540 Section 6.5.2 and RFC 8441 Section 3
const (
	SettingsHeaderTableSize       SettingID = 0x1
	SettingsEnablePush            SettingID = 0x2
	SettingsMaxConcurrentStreams  SettingID = 0x3
	SettingsInitialWindowSize     SettingID = 0x4
	SettingsMaxFrameSize          SettingID = 0x5
	SettingsMaxHeaderListSize     SettingID = 0x6
	SettingsEnableConnectProtocol SettingID = 0x8
)

var settingNames = map[SettingID]string{
	SettingsHeaderTableSize:       "HEADER_TABLE_SIZE",
	SettingsEnablePush:            "ENABLE_PUSH",
	SettingsMaxConcurrentStreams:  "MAX_CONCURRENT_STREAMS",
	SettingsInitialWindowSize:     "INITIAL_WINDOW_SIZE",
	SettingsMaxFrameSize:          "MAX_FRAME_SIZE",
	SettingsMaxHeaderListSize:     "MAX_HEADER_LIST_SIZE",
	SettingsEnableConnectProtocol: "ENABLE_CONNECT_PROTOCOL",
}

func (id SettingID) String() string {
	if name, ok := settingNames[id]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_SETTING_0x%x", uint16(id))
}

// Setting is one id/value pair of a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string { return fmt.Sprintf("%s=%d", s.ID, s.Val) }

// Valid checks a value against the bounds of RFC 7540 Section 6.5.2.
func (s Setting) Valid() error {
	switch s.ID {
	case SettingsEnablePush, SettingsEnableConnectProtocol:
		if s.Val > 1 {
			return &ConnectionError{Code: ErrorCodeProtocolError, Reason: fmt.Sprintf("invalid %s value %d", s.ID, s.Val)}
		}
	case SettingsInitialWindowSize:
		if s.Val > maxWindowSize {
			return &ConnectionError{Code: ErrorCodeFlowControlError, Reason: fmt.Sprintf("invalid initial window size %d", s.Val)}
		}
	case SettingsMaxFrameSize:
		if s.Val < minMaxFrameSize || s.Val > maxMaxFrameSize {
			return &ConnectionError{Code: ErrorCodeProtocolError, Reason: fmt.Sprintf("invalid max frame size %d", s.Val)}
		}
	}
	return nil
}

// SettingsObserver is told about a value that actually changed.
type SettingsObserver func(id SettingID, prev, next uint32)

// Settings is a registry of SETTINGS values with change notification.
// It is not safe for concurrent use; the connection's writer goroutine owns it.
type Settings struct {
	values    map[SettingID]uint32
	defaults  map[SettingID]uint32
	observers []SettingsObserver
}

// rfcDefaults are the initial values every peer assumes before any SETTINGS frame.
var rfcDefaults = map[SettingID]uint32{
	SettingsHeaderTableSize:       4096,
	SettingsEnablePush:            1,
	SettingsMaxConcurrentStreams:  math.MaxUint32,
	SettingsInitialWindowSize:     65535,
	SettingsMaxFrameSize:          minMaxFrameSize,
	SettingsMaxHeaderListSize:     math.MaxUint32,
	SettingsEnableConnectProtocol: 0,
}

// NewRemoteSettings returns a registry holding the RFC defaults for the peer.
func NewRemoteSettings() *Settings {
	return &Settings{values: make(map[SettingID]uint32), defaults: rfcDefaults}
}

// NewLocalSettings returns the registry we advertise in our SETTINGS frame.
func NewLocalSettings(cfg Config) *Settings {
	s := &Settings{values: make(map[SettingID]uint32), defaults: rfcDefaults}
	s.values[SettingsHeaderTableSize] = cfg.HeaderTableSize
	s.values[SettingsEnablePush] = 0 // server push is never accepted
	s.values[SettingsMaxConcurrentStreams] = cfg.MaxConcurrentStreams
	s.values[SettingsInitialWindowSize] = cfg.InitialWindowSize
	s.values[SettingsMaxFrameSize] = cfg.MaxFrameSize
	if cfg.MaxHeaderListSize > 0 {
		s.values[SettingsMaxHeaderListSize] = cfg.MaxHeaderListSize
	}
	if cfg.EnableConnectProtocol {
		s.values[SettingsEnableConnectProtocol] = 1
	}
	return s
}

// Get returns the current value, falling back to the RFC default.
func (s *Settings) Get(id SettingID) uint32 {
	if v, ok := s.values[id]; ok {
		return v
	}
	return s.defaults[id]
}

// Set stores v and notifies observers when the effective value changed.
func (s *Settings) Set(id SettingID, v uint32) bool {
	old := s.Get(id)
	s.values[id] = v
	if old == v {
		return false
	}
	for _, fn := range s.observers {
		fn(id, old, v)
	}
	return true
}

// Observe registers fn for every future change.
func (s *Settings) Observe(fn SettingsObserver) {
	s.observers = append(s.observers, fn)
}

// Apply validates and stores every setting of a received SETTINGS frame in order.
// In lenient mode an invalid value is skipped and reported in the returned slice;
// in strict mode the first invalid value aborts with a *ConnectionError.
func (s *Settings) Apply(settings []Setting, strict bool) (rejected []Setting, err error) {
	for _, st := range settings {
		if verr := st.Valid(); verr != nil {
			if strict {
				return rejected, verr
			}
			rejected = append(rejected, st)
			continue
		}
		s.Set(st.ID, st.Val)
	}
	return rejected, nil
}

// List returns the explicitly set values sorted by id, ready for a SETTINGS frame.
func (s *Settings) List() []Setting {
	list := make([]Setting, 0, len(s.values))
	for id, v := range s.values {
		list = append(list, Setting{ID: id, Val: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Map renders the registry for logging.
func (s *Settings) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(s.values))
	for id, v := range s.values {
		m[id.String()] = v
	}
	return m
}
