package cmd

import (
	"fmt"
	"net/http"

	"github.com/kiesman99/numpng/internal/protocol"
	"github.com/kiesman99/numpng/pkg/tile"
	"github.com/spf13/viper"
)

// protocolConfig is one entry of the "protocols" list in the config file:
//
//	protocols:
//	  - scheme: gsidem
//	    factor: 0.01
//	    invalid_value: -8388608
//	    template: gsidem://cyberjapandata.gsi.go.jp/xyz/dem_png/{z}/{x}/{y}.png
type protocolConfig struct {
	Scheme       string   `mapstructure:"scheme"`
	Factor       *float64 `mapstructure:"factor"`
	InvalidValue *int     `mapstructure:"invalid_value"`
	Overflow     string   `mapstructure:"overflow"`
	Template     string   `mapstructure:"template"`
}

func (c protocolConfig) params() (tile.Params, error) {
	p := tile.DefaultParams()
	p.Scheme = c.Scheme
	// an explicit zero is kept so that Validate rejects it
	if c.Factor != nil {
		p.Factor = *c.Factor
	}
	if c.InvalidValue != nil {
		p.InvalidValue = *c.InvalidValue
	}

	overflow, err := tile.ParseOverflow(c.Overflow)
	if err != nil {
		return p, err
	}
	p.Overflow = overflow
	return p, p.Validate()
}

// loadRegistry builds the protocol registry from flags and config. It also
// returns the tile URL template of every scheme that has one.
func loadRegistry() (*protocol.Registry, map[string]string, error) {
	configs := []protocolConfig{primaryProtocol()}

	var extra []protocolConfig
	if err := viper.UnmarshalKey("protocols", &extra); err != nil {
		return nil, nil, fmt.Errorf("invalid protocols config: %w", err)
	}
	configs = append(configs, extra...)

	processor := tile.NewProcessor(
		viper.GetString("http.user-agent"),
		tile.WithHTTPClient(&http.Client{}),
		tile.WithHeaders(viper.GetStringMapString("http.headers")),
	)

	registry := protocol.NewRegistry()
	templates := make(map[string]string)
	for _, c := range configs {
		params, err := c.params()
		if err != nil {
			return nil, nil, fmt.Errorf("protocol %q: %w", c.Scheme, err)
		}
		h, err := protocol.New(params, protocol.WithFetcher(processor))
		if err != nil {
			return nil, nil, err
		}
		registry.Register(h)
		if c.Template != "" {
			templates[c.Scheme] = c.Template
		}
	}
	return registry, templates, nil
}

func primaryProtocol() protocolConfig {
	factor := viper.GetFloat64("protocol.factor")
	invalid := viper.GetInt("protocol.invalid-value")
	return protocolConfig{
		Scheme:       viper.GetString("protocol.scheme"),
		Factor:       &factor,
		InvalidValue: &invalid,
		Overflow:     viper.GetString("protocol.overflow"),
		Template:     viper.GetString("protocol.template"),
	}
}
