package config

import (
	"fmt"
	"strings"
)

var (
	audioBackends   = []string{"pipewire", "file"}
	encoderBackends = []string{"native", "ffmpeg"}
	stateBackends   = []string{"file", "memory", "mongo"}
)

// Validate checks every section. The upload endpoint is checked separately
// by RequireEndpoint since only some commands upload.
func (c *Config) Validate() error {
	if err := c.validateAudio(); err != nil {
		return err
	}
	if err := c.validateDynamics(); err != nil {
		return err
	}
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateState(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", c.Server.Port)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

// RequireEndpoint fails when no upload endpoint is configured.
func (c *Config) RequireEndpoint() error {
	if strings.TrimSpace(c.Upload.Endpoint) == "" {
		return fmt.Errorf("upload.endpoint is required (set it in the config file or %s_UPLOAD_ENDPOINT)", EnvPrefix)
	}
	return nil
}

func (c *Config) validateAudio() error {
	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive, got %d", a.Channels)
	}
	if a.BlockFrames <= 0 {
		return fmt.Errorf("audio.block_frames must be positive, got %d", a.BlockFrames)
	}
	if err := oneOf("audio.backend", a.Backend, audioBackends); err != nil {
		return err
	}
	if strings.EqualFold(a.Backend, "file") && a.PrimaryFile == "" {
		return fmt.Errorf("audio.primary_file is required with the file backend")
	}
	return nil
}

func (c *Config) validateDynamics() error {
	d := c.Dynamics
	if d.Ratio < 1 {
		return fmt.Errorf("dynamics.ratio must be at least 1, got %g", d.Ratio)
	}
	if d.KneeDB < 0 {
		return fmt.Errorf("dynamics.knee_db must not be negative, got %g", d.KneeDB)
	}
	if d.Attack < 0 || d.Release < 0 {
		return fmt.Errorf("dynamics.attack and dynamics.release must not be negative")
	}
	if d.SecondaryGain < 0 {
		return fmt.Errorf("dynamics.secondary_gain must not be negative, got %g", d.SecondaryGain)
	}
	return nil
}

func (c *Config) validateEncoder() error {
	e := c.Encoder
	if err := oneOf("encoder.backend", e.Backend, encoderBackends); err != nil {
		return err
	}
	if e.Timeslice <= 0 {
		return fmt.Errorf("encoder.timeslice must be positive, got %v", e.Timeslice)
	}
	return nil
}

func (c *Config) validateUpload() error {
	u := c.Upload
	if u.MaxAttempts < 1 {
		return fmt.Errorf("upload.max_attempts must be at least 1, got %d", u.MaxAttempts)
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be positive, got %v", u.Timeout)
	}
	if u.BackoffBase < 0 || u.BackoffMax < 0 {
		return fmt.Errorf("upload.backoff_base and upload.backoff_max must not be negative")
	}
	if u.BackoffMax > 0 && u.BackoffBase > u.BackoffMax {
		return fmt.Errorf("upload.backoff_base (%v) exceeds upload.backoff_max (%v)", u.BackoffBase, u.BackoffMax)
	}
	return nil
}

func (c *Config) validateState() error {
	s := c.State
	if err := oneOf("state.backend", s.Backend, stateBackends); err != nil {
		return err
	}
	switch strings.ToLower(s.Backend) {
	case "file":
		if s.Path == "" {
			return fmt.Errorf("state.path is required with the file backend")
		}
	case "mongo":
		if s.MongoURI == "" {
			return fmt.Errorf("state.mongo_uri is required with the mongo backend")
		}
	}
	return nil
}

func oneOf(key, value string, allowed []string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (expected one of %s)", key, value, strings.Join(allowed, ", "))
}
