package zaptec

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestResolveKnownObservation(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	name, err := cat.Resolve(CategoryObservation, 710)
	if err != nil {
		t.Fatalf("Resolve(710): %v", err)
	}
	if name != "charger_operation_mode" {
		t.Fatalf("Resolve(710) = %q, want charger_operation_mode", name)
	}
}

func TestResolveUnknownCodePassesThrough(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	name, err := cat.Resolve(CategoryObservation, 99999)
	if name != "observation_99999" {
		t.Fatalf("synthesized key = %q, want observation_99999", name)
	}
	var unknown *UnknownCodeError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownCodeError", err)
	}
	if unknown.Code != 99999 {
		t.Fatalf("unknown.Code = %d", unknown.Code)
	}
}

func TestCommandIDAcceptsBothNamings(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	for _, name := range []string{"stop_charging_final", "StopChargingFinal"} {
		id, ok := cat.CommandID(name)
		if !ok || id != 506 {
			t.Fatalf("CommandID(%q) = %d, %v, want 506, true", name, id, ok)
		}
	}
	if _, ok := cat.CommandID("open_pod_bay_doors"); ok {
		t.Fatal("CommandID accepted a nonsense command")
	}
}

func TestOperationModeConversion(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	tests := []struct {
		in   any
		want OperationMode
	}{
		{3, ModeConnectedCharging},
		{float64(5), ModeConnectedFinished},
		{"1", ModeDisconnected},
		{"Connected_Charging", ModeConnectedCharging},
		{42, ModeUnknown},
		{nil, ModeUnknown},
	}
	for _, tt := range tests {
		if got := cat.OperationMode(tt.in); got != tt.want {
			t.Errorf("OperationMode(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadJSONRejectsGarbageKeepsOld(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	if err := cat.LoadJSON([]byte("not json")); err == nil {
		t.Fatal("LoadJSON accepted garbage")
	}
	// The embedded snapshot must survive a rejected reload.
	if name, err := cat.Resolve(CategoryObservation, 710); err != nil || name != "charger_operation_mode" {
		t.Fatalf("catalog lost embedded data: %q, %v", name, err)
	}
}

func TestApplyDeviceTypesMergesSchema(t *testing.T) {
	cat := NewCatalog(zap.NewNop())
	cat.ApplyDeviceTypes([]int{8})
	if name, err := cat.Resolve(CategoryObservation, 710); err != nil || name != "charger_operation_mode" {
		t.Fatalf("base observations lost after schema merge: %q, %v", name, err)
	}
}

func TestToUnder(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Id", "id"},
		{"DeviceType", "device_type"},
		{"IsUpToDate", "is_up_to_date"},
		{"MaxChargeCurrent", "max_charge_current"},
		{"already_snake", "already_snake"},
	}
	for _, tt := range tests {
		if got := toUnder(tt.in); got != tt.want {
			t.Errorf("toUnder(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
