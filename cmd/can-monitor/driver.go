package main

import (
	"fmt"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/slcan"
	"github.com/kstaniek/go-canio/internal/socketcan"
	"github.com/kstaniek/go-canio/internal/vcan"
)

// initDriver opens the configured CAN driver and returns it with a cleanup
// function. It returns an error instead of exiting the process to allow
// graceful handling by the caller.
func initDriver(cfg *appConfig, clk clock.Clock) (can.Driver, func(), error) {
	switch cfg.driver {
	case "vcan":
		return vcan.New(clk, cfg.vcanIfaces), func() {}, nil
	case "socketcan":
		d, err := socketcan.Open(clk, cfg.ifaceNames()...)
		if err != nil {
			return nil, func() {}, err
		}
		return d, func() { _ = d.Close() }, nil
	case "slcan":
		port, err := slcan.OpenPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, func() {}, err
		}
		ifc := slcan.NewIface(port, clk)
		return slcan.NewDriver(ifc, clk), func() { _ = ifc.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown driver %q (use vcan|socketcan|slcan)", cfg.driver)
	}
}
