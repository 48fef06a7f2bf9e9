package models

// Text encodings so the enums read as names in JSON and YAML.

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (c CalType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CalType) UnmarshalText(b []byte) error {
	v, err := ParseCalType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Condition) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Condition) UnmarshalText(b []byte) error {
	v, err := ParseCondition(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (f Filter) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Filter) UnmarshalText(b []byte) error {
	v, err := ParseFilter(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (g Gain) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (s CalState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
