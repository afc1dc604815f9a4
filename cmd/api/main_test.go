package main

import (
	"testing"

	appconfig "github.com/wolfman30/lead-capture-engine/internal/config"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
	"github.com/wolfman30/lead-capture-engine/pkg/logging"
)

func TestBuildTelephonyGatewaySafeModeReturnsFake(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{SafeMode: true}

	gw := buildTelephonyGateway(cfg, logger)
	if _, ok := gw.(*telephony.FakeGateway); !ok {
		t.Fatalf("expected a fake gateway in safe mode, got %T", gw)
	}
}
