package calendar

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/teranos/tempo/errors"
)

// Factory returns an empty calendar of one registered type, ready for json.Unmarshal
type Factory func() Calendar

// envelope is the stored form of a calendar
type envelope struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
	Base *envelope       `json:"base,omitempty"`
}

// maxBaseDepth bounds base-calendar nesting when decoding
const maxBaseDepth = 16

// Codec encodes calendars for storage. Each store is given its own codec;
// custom calendar types are registered on it explicitly.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCodec returns a codec with the built-in calendar types registered
func NewCodec() *Codec {
	c := &Codec{factories: make(map[string]Factory)}
	c.Register(TypeRange, func() Calendar { return &RangeCalendar{} })
	c.Register(TypeDaily, func() Calendar { return &DailyCalendar{} })
	c.Register(TypeWeekly, func() Calendar { return &WeeklyCalendar{} })
	c.Register(TypeHoliday, func() Calendar { return &HolidayCalendar{} })
	return c
}

// Register adds (or replaces) a calendar type
func (c *Codec) Register(typeName string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[typeName] = f
}

// Types lists the registered type names
func (c *Codec) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes cal and its base chain
func (c *Codec) Encode(cal Calendar) ([]byte, error) {
	env, err := c.toEnvelope(cal, 0)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode calendar")
	}
	return data, nil
}

func (c *Codec) toEnvelope(cal Calendar, depth int) (*envelope, error) {
	if depth > maxBaseDepth {
		return nil, errors.NewConfigurationError("calendar base chain deeper than %d", maxBaseDepth)
	}
	c.mu.RLock()
	_, known := c.factories[cal.Type()]
	c.mu.RUnlock()
	if !known {
		return nil, errors.NewConfigurationError("calendar type %q is not registered", cal.Type())
	}

	spec, err := json.Marshal(cal)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s calendar", cal.Type())
	}
	env := &envelope{Type: cal.Type(), Spec: spec}
	if base := cal.Base(); base != nil {
		if env.Base, err = c.toEnvelope(base, depth+1); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Decode restores a calendar previously produced by Encode
func (c *Codec) Decode(data []byte) (Calendar, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode calendar envelope")
	}
	return c.fromEnvelope(&env, 0)
}

func (c *Codec) fromEnvelope(env *envelope, depth int) (Calendar, error) {
	if depth > maxBaseDepth {
		return nil, errors.NewConfigurationError("calendar base chain deeper than %d", maxBaseDepth)
	}
	c.mu.RLock()
	factory, ok := c.factories[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewConfigurationError("calendar type %q is not registered", env.Type)
	}

	cal := factory()
	if len(env.Spec) > 0 {
		if err := json.Unmarshal(env.Spec, cal); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s calendar", env.Type)
		}
	}
	if v, ok := cal.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	if env.Base != nil {
		base, err := c.fromEnvelope(env.Base, depth+1)
		if err != nil {
			return nil, err
		}
		cal.SetBase(base)
	}
	return cal, nil
}

// Check validates cal and confirms it can be encoded
func (c *Codec) Check(cal Calendar) error {
	if cal == nil {
		return errors.NewConfigurationError("calendar is nil")
	}
	for cur, depth := cal, 0; cur != nil; cur, depth = cur.Base(), depth+1 {
		if depth > maxBaseDepth {
			return errors.NewConfigurationError("calendar base chain deeper than %d", maxBaseDepth)
		}
		if v, ok := cur.(Validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	_, err := c.toEnvelope(cal, 0)
	return err
}
