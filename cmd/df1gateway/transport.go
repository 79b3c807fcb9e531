package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"

	"github.com/fieldlink/df1gateway/internal/config"
	"github.com/fieldlink/df1gateway/pkg/engine"
	"github.com/fieldlink/df1gateway/pkg/transport"
)

// buildEngine wires a transport.Transport (TCP or serial, per cfg.Transport)
// to a fresh engine.Client using engine.NewWithTransportFactory, the same
// transport-before-service construction order as the teacher's main.go
// (usock.New before service.SetUSock). It does not connect; callers do
// that through Client.Connect.
func buildEngine(cfg config.Config, logger *log.Logger) (*engine.Client, error) {
	engineCfg := engine.Config{
		PlcType:        cfg.Engine.PlcType,
		Src:            cfg.Engine.Src,
		Dst:            cfg.Engine.Dst,
		SeqSleepTime:   cfg.Engine.SeqSleepTime,
		TimeoutReadMsg: cfg.Engine.TimeoutReadMsg,
		HistorySize:    cfg.Engine.HistorySize,
	}

	switch cfg.Transport {
	case config.TransportTCP:
		tcpCfg := transport.TCPConfig{Address: cfg.TCP.Address, Port: cfg.TCP.Port, Timeout: cfg.TCP.Timeout}
		c := engine.NewWithTransportFactory(engineCfg, logger, engine.Metrics{},
			func(onBytes transport.BytesReceivedFunc, onDisc transport.DisconnectedFunc) transport.Transport {
				return transport.NewTCP(tcpCfg, onBytes, onDisc, logger)
			})
		return c, nil
	case config.TransportSerial:
		parity, err := parseParity(cfg.Serial.Parity)
		if err != nil {
			return nil, err
		}
		stopBits, err := parseStopBits(cfg.Serial.StopBits)
		if err != nil {
			return nil, err
		}
		serialCfg := transport.SerialConfig{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			Parity:   parity,
			StopBits: stopBits,
			DataBits: cfg.Serial.DataBits,
			Timeout:  cfg.Serial.Timeout,
		}
		c := engine.NewWithTransportFactory(engineCfg, logger, engine.Metrics{},
			func(onBytes transport.BytesReceivedFunc, onDisc transport.DisconnectedFunc) transport.Transport {
				return transport.NewSerial(serialCfg, onBytes, onDisc, logger)
			})
		return c, nil
	default:
		return nil, fmt.Errorf("df1gateway: unknown transport %q", cfg.Transport)
	}
}

func parseParity(s string) (serial.Parity, error) {
	switch s {
	case "none", "":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("df1gateway: unknown serial parity %q", s)
	}
}

func parseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "one", "":
		return serial.OneStopBit, nil
	case "onepointfive":
		return serial.OnePointFiveStopBits, nil
	case "two":
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("df1gateway: unknown serial stop bits %q", s)
	}
}

// connectAndClose opens c, runs fn, and guarantees c is closed afterward,
// the CLI-command counterpart to engine.WithClient for an already-built
// Client (NewWithTransportFactory returns a Client, not a (Client,
// Transport) pair WithClient could take directly).
func connectAndClose(c *engine.Client, fn func(*engine.Client) error) error {
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()
	waitForCommClear(c)
	return fn(c)
}

// waitForCommClear gives the comm-clear interlock (spec.md §4.6) a moment
// to settle right after Open, mirroring the brief post-connect pause the
// teacher's main.go takes before issuing its first commands.
func waitForCommClear(c *engine.Client) {
	time.Sleep(300 * time.Millisecond)
}
