package main

import "time"

// durationValue is a pflag.Value that remembers whether it was set, so an
// explicit zero is not mistaken for an absent flag.
type durationValue struct {
	set bool
	val time.Duration
}

func (d *durationValue) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.set = true
	d.val = v
	return nil
}

func (d *durationValue) String() string {
	if d == nil || !d.set {
		return "0s"
	}
	return d.val.String()
}

func (d *durationValue) Type() string { return "duration" }
