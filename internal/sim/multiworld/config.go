package multiworld

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/view"
	"portalview.ai/internal/sim/zonesim"
)

type Config struct {
	TickRateHz            int  `yaml:"tick_rate_hz"`
	ViewDistance          int  `yaml:"view_distance"`
	VerticalViewDistance  int  `yaml:"vertical_view_distance"`
	MaxCellsPerAgent      int  `yaml:"max_cells_per_agent"`
	RelayCompressMinBytes int  `yaml:"relay_compress_min_bytes"`
	StrictProtocol        bool `yaml:"strict_protocol"`
	MaxSessions           int  `yaml:"max_sessions"`

	Seed          int64         `yaml:"seed"`
	DefaultZoneID string        `yaml:"default_zone_id"`
	Zones         []ZoneSpec    `yaml:"zones"`
	Portals       []PortalSpec  `yaml:"portals,omitempty"`
	Persistence   PersistConfig `yaml:"persistence"`
}

type ZoneSpec struct {
	ID         string     `yaml:"id"`
	Kind       string     `yaml:"kind"`
	Addressing string     `yaml:"addressing"`
	SeedOffset int64      `yaml:"seed_offset"`
	Spawn      [3]float64 `yaml:"spawn"`
}

// PortalSpec is a static portal link. Every session registers one view per
// portal, anchored at FromPos in FromZone and looking at ToCenter in ToZone.
type PortalSpec struct {
	ID             string     `yaml:"id"`
	FromZone       string     `yaml:"from_zone"`
	FromPos        [3]int     `yaml:"from_pos"`
	ToZone         string     `yaml:"to_zone"`
	ToCenter       [3]float64 `yaml:"to_center"`
	PortalDistance int        `yaml:"portal_distance"`
	Horizontal     int        `yaml:"horizontal"`
	Vertical       int        `yaml:"vertical"`
}

type PersistConfig struct {
	DataDir string       `yaml:"data_dir"`
	Trace   bool         `yaml:"trace"`
	Index   bool         `yaml:"index"`
	Mirror  MirrorConfig `yaml:"mirror"`
}

type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
	Workers   int    `yaml:"workers"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("portalview.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("portalview.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		TickRateHz:            5,
		ViewDistance:          8,
		VerticalViewDistance:  8,
		MaxCellsPerAgent:      1024,
		RelayCompressMinBytes: 1024,
		MaxSessions:           256,
		Seed:                  1337,
		DefaultZoneID:         "overworld",
		Zones: []ZoneSpec{
			{ID: "overworld", Kind: "OVERWORLD", Addressing: "columnar"},
			{ID: "nether", Kind: "NETHER", Addressing: "volumetric", SeedOffset: 1, Spawn: [3]float64{8, 72, 8}},
			{ID: "the_end", Kind: "END", Addressing: "volumetric", SeedOffset: 2, Spawn: [3]float64{8, 72, 8}},
		},
		Portals: []PortalSpec{
			{ID: "overworld_nether", FromZone: "overworld", FromPos: [3]int{3, 0, 0}, ToZone: "nether", ToCenter: [3]float64{8, 72, 8}, PortalDistance: 1},
			{ID: "nether_end", FromZone: "nether", FromPos: [3]int{0, 4, 2}, ToZone: "the_end", ToCenter: [3]float64{8, 72, 8}, PortalDistance: 1},
		},
		Persistence: PersistConfig{
			DataDir: "./data",
			Mirror:  MirrorConfig{Workers: 2, Prefix: "portalview"},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 5
	}
	if c.MaxCellsPerAgent <= 0 {
		c.MaxCellsPerAgent = 1024
	}
	for i := range c.Zones {
		z := &c.Zones[i]
		z.ID = strings.TrimSpace(z.ID)
		if strings.TrimSpace(z.Kind) == "" {
			z.Kind = strings.ToUpper(z.ID)
		}
		if strings.TrimSpace(z.Addressing) == "" {
			z.Addressing = model.Columnar.String()
		}
		z.Addressing = strings.ToLower(z.Addressing)
	}
	if c.DefaultZoneID == "" && len(c.Zones) > 0 {
		c.DefaultZoneID = c.Zones[0].ID
	}
	for i := range c.Portals {
		p := &c.Portals[i]
		// default: the portal sees as far as the player does
		if p.Horizontal == 0 {
			p.Horizontal = c.ViewDistance
		}
		if p.Vertical == 0 {
			p.Vertical = c.VerticalViewDistance
		}
		if strings.TrimSpace(p.ID) == "" {
			p.ID = p.FromZone + "_" + p.ToZone
		}
	}
	if c.Persistence.Mirror.Workers <= 0 {
		c.Persistence.Mirror.Workers = 2
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.ViewDistance < 0 || c.VerticalViewDistance < 0 {
		return fmt.Errorf("view distances must be >= 0")
	}
	if c.RelayCompressMinBytes < 0 {
		return fmt.Errorf("relay_compress_min_bytes must be >= 0")
	}
	if len(c.Zones) == 0 {
		return fmt.Errorf("zones must not be empty")
	}
	seen := map[string]bool{}
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone id must not be empty")
		}
		if seen[z.ID] {
			return fmt.Errorf("duplicate zone id: %s", z.ID)
		}
		seen[z.ID] = true
		if _, err := model.ParseAddressing(z.Addressing); err != nil {
			return fmt.Errorf("zone %s: %w", z.ID, err)
		}
	}
	if !seen[c.DefaultZoneID] {
		return fmt.Errorf("default_zone_id %q not found in zones", c.DefaultZoneID)
	}
	ids := map[string]bool{}
	for i, p := range c.Portals {
		if ids[p.ID] {
			return fmt.Errorf("duplicate portal id: %s", p.ID)
		}
		ids[p.ID] = true
		if !seen[p.FromZone] {
			return fmt.Errorf("portals[%d] from_zone %q not found", i, p.FromZone)
		}
		if !seen[p.ToZone] {
			return fmt.Errorf("portals[%d] to_zone %q not found", i, p.ToZone)
		}
		if p.FromZone == p.ToZone {
			return fmt.Errorf("portals[%d] links %s to itself", i, p.FromZone)
		}
		if p.PortalDistance < 0 || p.Horizontal < 0 || p.Vertical < 0 {
			return fmt.Errorf("portals[%d] distances must be >= 0", i)
		}
	}
	if m := c.Persistence.Mirror; m.Enabled && strings.TrimSpace(m.Bucket) == "" {
		return fmt.Errorf("persistence.mirror.bucket is required when the mirror is enabled")
	}
	return nil
}

// ApplyEnv overrides file settings with PV_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"PV_TICK_RATE_HZ", &c.TickRateHz},
		{"PV_VIEW_DISTANCE", &c.ViewDistance},
		{"PV_VERTICAL_VIEW_DISTANCE", &c.VerticalViewDistance},
		{"PV_MAX_CELLS_PER_AGENT", &c.MaxCellsPerAgent},
		{"PV_RELAY_COMPRESS_MIN_BYTES", &c.RelayCompressMinBytes},
		{"PV_MAX_SESSIONS", &c.MaxSessions},
		{"PV_MIRROR_WORKERS", &c.Persistence.Mirror.Workers},
	}
	for _, it := range ints {
		v := strings.TrimSpace(getenv(it.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", it.key, err)
		}
		*it.dst = n
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"PV_STRICT_PROTOCOL", &c.StrictProtocol},
		{"PV_TRACE", &c.Persistence.Trace},
		{"PV_INDEX", &c.Persistence.Index},
		{"PV_MIRROR", &c.Persistence.Mirror.Enabled},
		{"PV_MIRROR_PATH_STYLE", &c.Persistence.Mirror.PathStyle},
	}
	for _, it := range bools {
		v := strings.TrimSpace(getenv(it.key))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", it.key, err)
		}
		*it.dst = b
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"PV_DEFAULT_ZONE", &c.DefaultZoneID},
		{"PV_DATA_DIR", &c.Persistence.DataDir},
		{"PV_MIRROR_BUCKET", &c.Persistence.Mirror.Bucket},
		{"PV_MIRROR_REGION", &c.Persistence.Mirror.Region},
		{"PV_MIRROR_ENDPOINT", &c.Persistence.Mirror.Endpoint},
		{"PV_MIRROR_PREFIX", &c.Persistence.Mirror.Prefix},
	}
	for _, it := range strs {
		if v := strings.TrimSpace(getenv(it.key)); v != "" {
			*it.dst = v
		}
	}
	c.Normalize()
	return c.Validate()
}

func (c Config) Manifest() []protocol.ZoneRef {
	out := make([]protocol.ZoneRef, 0, len(c.Zones))
	for _, z := range c.Zones {
		out = append(out, protocol.ZoneRef{ZoneID: z.ID, Kind: z.Kind, Addressing: z.Addressing})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

func (c Config) ZoneSpecByID(id string) (ZoneSpec, bool) {
	for _, z := range c.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return ZoneSpec{}, false
}

// SimSpecs converts the zone list for the in-process simulation.
func (c Config) SimSpecs() []zonesim.Spec {
	out := make([]zonesim.Spec, 0, len(c.Zones))
	for _, z := range c.Zones {
		addr, _ := model.ParseAddressing(z.Addressing)
		out = append(out, zonesim.Spec{
			ID:         model.ZoneID(z.ID),
			Kind:       z.Kind,
			Addressing: addr,
			Seed:       c.Seed + z.SeedOffset,
			MaxCells:   c.MaxCellsPerAgent,
		})
	}
	return out
}

// View is the view registered for this portal in every session.
func (p PortalSpec) View() view.Spec {
	return view.Spec{
		Label:      p.ID,
		Zone:       model.ZoneID(p.ToZone),
		Center:     model.Vec3{X: p.ToCenter[0], Y: p.ToCenter[1], Z: p.ToCenter[2]},
		Horizontal: p.Horizontal,
		Vertical:   p.Vertical,
		Anchor: &view.Anchor{
			Zone: model.ZoneID(p.FromZone),
			Pos:  model.Vec3i{X: p.FromPos[0], Y: p.FromPos[1], Z: p.FromPos[2]},
		},
		PortalDistance: p.PortalDistance,
	}
}
