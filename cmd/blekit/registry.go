package main

import (
	"fmt"

	"blekit/command"
	"blekit/config"
	"blekit/device"
	"blekit/logging"
	"blekit/mux"
)

// demoStatus is what the reference peripheral reports for GetStatus.
var demoStatus = device.Status{State: 0x01, Mode: 0x02, Value1: 1000, Value2: 2000}

// buildRegistry registers every configured protocol, each serving the
// reference device command set behind its own instance of the configured
// middleware. Rate limits apply per protocol.
func buildRegistry(cfg *config.Config) (*mux.Registry, error) {
	r := mux.New()

	for _, pc := range cfg.Protocols {
		opts, err := pc.Options()
		if err != nil {
			return nil, err
		}
		mws := cfg.Middleware.Middlewares(logging.For("middleware").WithField("protocol", pc.Name))
		opts = append(opts, command.WithMiddleware(mws...))

		p := device.New(demoStatus, nil).Protocol(pc.Name, pc.Version, opts...)
		if err := r.Register(mux.ID(pc.ID), p, pc.Default); err != nil {
			return nil, fmt.Errorf("register protocol %q: %w", pc.Name, err)
		}
	}
	return r, nil
}
