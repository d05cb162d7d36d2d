package errors

import (
	stderrors "errors"
	"testing"
)

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("expected nil for nil error")
	}
}

func TestKinds(t *testing.T) {
	cause := stderrors.New("boom")

	tests := []struct {
		name     string
		err      error
		critical bool
		opFailed bool
		general  bool
		network  bool
		config   bool
	}{
		{"general", General("version query", cause), false, false, true, false, false},
		{"operation failed", OperationFailed("soft reboot", nil), false, true, true, false, false},
		{"critical", Critical("boot retries exhausted", nil), true, false, false, false, false},
		{"network", Network("network never came up", nil), true, false, false, true, false},
		{"config", Config("bad extension", nil), false, false, false, false, true},
		{"wrapped critical", Wrap(Critical("deploy failed", cause), "job 1"), true, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCritical(tt.err); got != tt.critical {
				t.Errorf("IsCritical = %v, want %v", got, tt.critical)
			}
			if got := IsOperationFailed(tt.err); got != tt.opFailed {
				t.Errorf("IsOperationFailed = %v, want %v", got, tt.opFailed)
			}
			if got := stderrors.Is(tt.err, ErrGeneral); got != tt.general {
				t.Errorf("Is(ErrGeneral) = %v, want %v", got, tt.general)
			}
			if got := stderrors.Is(tt.err, ErrNetwork); got != tt.network {
				t.Errorf("Is(ErrNetwork) = %v, want %v", got, tt.network)
			}
			if got := IsConfig(tt.err); got != tt.config {
				t.Errorf("IsConfig = %v, want %v", got, tt.config)
			}
		})
	}
}

func TestCriticalKeepsCause(t *testing.T) {
	cause := Config("bad file extension: image.xz", nil)
	err := Critical("deployment failed", cause)

	if !IsConfig(err) {
		t.Error("expected config cause to be reachable through critical error")
	}
	if err.Error() != "deployment failed: bad file extension: image.xz" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
