package proc

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err    error
		kind   error
		status Status
	}{
		{&StartError{Reason: StartNotFound, Path: "a.exe"}, ErrNotFound, StatusFatal},
		{&AttachError{Reason: AttachPrivilege, Pid: 4}, ErrAccessDenied, StatusFatal},
		{&AttachError{Reason: AttachBitness, Pid: 4}, ErrUnsupported, StatusFatal},
		{fmt.Errorf("read: %w", &PartialIOError{Addr: 0x1000, Want: 8, Got: 4}), ErrPartialIO, StatusRecoverable},
		{&ProviderError{Msg: "no pdb"}, ErrProviderFailure, StatusRecoverable},
		{&FatalError{Msg: "no shadow"}, ErrFatal, StatusFatal},
		{NoBreakpointError{Addr: 0x1000}, ErrNotFound, StatusRecoverable},
	}
	for _, tc := range tests {
		if !errors.Is(tc.err, tc.kind) {
			t.Errorf("%v is not %v", tc.err, tc.kind)
		}
		if got := Classify(tc.err); got != tc.status {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.status)
		}
	}
	if Classify(nil) != StatusOK {
		t.Fatal("nil error should be ok")
	}
	if errors.Is(&StartError{Reason: StartChecksumMismatch}, ErrNotFound) {
		t.Fatal("checksum mismatch is not a missing file")
	}
}
