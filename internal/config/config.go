package config

// Config is intentionally small and JSON-friendly.
// If Users is empty, dirserve runs without auth.
type Config struct {
	// Root is the directory served read-only by dirserve.
	Root string `json:"root"`

	// Addr is the listen address. Default: 0.0.0.0:8080
	Addr string `json:"addr,omitempty"`

	// ShowHidden exposes dot-entries in listings, archives, and path lookups.
	// Default: false (hidden entries are rejected with 403 and omitted from
	// listings and archives, including everything under a hidden directory).
	ShowHidden bool `json:"showHidden,omitempty"`

	// CacheDir stores transcode spools and thumbnails. It must live outside
	// the served root. Default: <os temp>/dirserve
	CacheDir string `json:"cacheDir,omitempty"`

	// Opusenc configures the external opus encoder.
	Opusenc Opusenc `json:"opusenc,omitempty"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// requests without Authorization are treated as anonymous, requests with
	// Authorization are validated; invalid creds get 401.
	AuthOptional bool `json:"authOptional,omitempty"`

	// Users is a map of username -> bcrypt hash.
	// Example:
	// "alice": {"bcrypt":"$2a$10$..."}
	Users map[string]User `json:"users,omitempty"`
}

// Opusenc describes the external encoder invocation. The binary only needs to
// read the given source, write a valid ogg/opus stream to the destination
// ("-" for stdout), and exit nonzero on failure.
type Opusenc struct {
	// Path to the encoder binary. Default: "opusenc" from $PATH.
	Path string `json:"path,omitempty"`
	// Bitrate in kbit/s. Default: 160.
	Bitrate int `json:"bitrate,omitempty"`
}

type User struct {
	Bcrypt string `json:"bcrypt"`
}

// ApplyDefaults fills zero fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "0.0.0.0:8080"
	}
	if c.Opusenc.Path == "" {
		c.Opusenc.Path = "opusenc"
	}
	if c.Opusenc.Bitrate <= 0 {
		c.Opusenc.Bitrate = 160
	}
}
