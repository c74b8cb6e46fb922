// Package cmn provides common constants, types, and configuration for the
// observation-control service.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package cmn

import (
	"encoding/xml"
	"os"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	DaemonName = "gtoaes"

	DefConfigPath = "/usr/local/etc/gtoaes.xml"
	DefLogDir     = "/var/log/gtoaes"
	DefPIDPath    = "/var/run/gtoaes.pid"
)

type (
	// Ports lists the six listening ports, one per peer class.
	Ports struct {
		Client     int `xml:"Client" json:"client" validate:"min=1,max=65535"`
		MountGWAC  int `xml:"MountGWAC" json:"mount_gwac" validate:"min=1,max=65535"`
		CameraGWAC int `xml:"CameraGWAC" json:"camera_gwac" validate:"min=1,max=65535"`
		FocusGWAC  int `xml:"FocusGWAC" json:"focus_gwac" validate:"min=1,max=65535"`
		MountGFT   int `xml:"MountGFT" json:"mount_gft" validate:"min=1,max=65535"`
		CameraGFT  int `xml:"CameraGFT" json:"camera_gft" validate:"min=1,max=65535"`
	}

	// GeoSite is the observatory location, used for sidereal-time and
	// horizontal-coordinate transforms.
	GeoSite struct {
		Name string  `xml:"name,attr" json:"name"`
		Lon  float64 `xml:"Lon" json:"lon" validate:"min=-180,max=180"`
		Lat  float64 `xml:"Lat" json:"lat" validate:"min=-90,max=90"`
		Alt  float64 `xml:"Alt" json:"alt"`
	}

	// GWACGroup declares how many mount units a GWAC group multiplexes.
	GWACGroup struct {
		Gid   string `xml:"gid,attr" json:"gid"`
		Units int    `xml:"units,attr" json:"units" validate:"min=1,max=20"`
	}

	Config struct {
		XMLName xml.Name    `xml:"gtoaes" json:"-"`
		Ports   Ports       `xml:"Network" json:"ports"`
		Site    GeoSite     `xml:"GeoSite" json:"site"`
		Groups  []GWACGroup `xml:"GWAC>Group" json:"groups"`

		LogDir     string `xml:"Log>Dir" json:"log_dir"`
		LogKeep    int    `xml:"Log>KeepDays" json:"log_keep" validate:"min=0"`
		MetricsAdr string `xml:"Metrics>Listen" json:"metrics,omitempty"`
	}
)

// DefaultConfig returns the compiled-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Ports: Ports{
			Client:     5010,
			MountGWAC:  5011,
			CameraGWAC: 5012,
			FocusGWAC:  5013,
			MountGFT:   5014,
			CameraGFT:  5015,
		},
		Site:    GeoSite{Name: "Xinglong", Lon: 117.57454, Lat: 40.395933, Alt: 900},
		Groups:  []GWACGroup{{Gid: "001", Units: 5}},
		LogDir:  DefLogDir,
		LogKeep: 30,
	}
}

// GroupUnits returns the number of mount units multiplexed by the given
// GWAC group. Groups without an entry run the full complement of ten.
func (c *Config) GroupUnits(gid string) int {
	for i := range c.Groups {
		if c.Groups[i].Gid == gid {
			return c.Groups[i].Units
		}
	}
	return 10
}

// Load reads the XML configuration; absent keys keep compiled defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %q", path)
	}
	cfg := DefaultConfig()
	// xml appends to slices; a file's groups replace the defaults
	cfg.Groups = nil
	if err := xml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", path)
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = DefaultConfig().Groups
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented XML, for bootstrapping.
func (c *Config) Save(path string) error {
	data, err := xml.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write config %q", path)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// String renders the effective configuration for the startup log line.
func (c *Config) String() string {
	data, err := jsoniter.MarshalToString(c)
	if err != nil {
		return "config{}"
	}
	return data
}
