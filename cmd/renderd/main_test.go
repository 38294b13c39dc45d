package main

import (
	"errors"
	"os"
	"testing"

	"github.com/renderd-project/renderd/internal/config"
	"github.com/renderd-project/renderd/internal/render"
)

func TestMaxConfiguredZoomDefaultsWhenNoStyleExceedsIt(t *testing.T) {
	cfg := &config.Config{Styles: []render.StyleConfig{{MaxZoom: 10}}}
	if got := maxConfiguredZoom(cfg); got != 20 {
		t.Errorf("maxConfiguredZoom() = %d, want the DefaultMaxZoom floor of 20", got)
	}
}

func TestMaxConfiguredZoomPicksHighestStyle(t *testing.T) {
	cfg := &config.Config{Styles: []render.StyleConfig{{MaxZoom: 10}, {MaxZoom: 22}}}
	if got := maxConfiguredZoom(cfg); got != 22 {
		t.Errorf("maxConfiguredZoom() = %d, want 22", got)
	}
}

func TestJSONSidecarPathAppendsSuffix(t *testing.T) {
	if got := jsonSidecarPath("/var/run/renderd.stats"); got != "/var/run/renderd.stats.json" {
		t.Errorf("jsonSidecarPath() = %q", got)
	}
	if got := jsonSidecarPath(""); got != "" {
		t.Errorf("jsonSidecarPath(\"\") = %q, want empty", got)
	}
}

func TestUnixOrTCPPicksNetworkFromIPPort(t *testing.T) {
	network, addr := unixOrTCP(config.SlaveSection{SocketName: "/run/renderd/renderd.sock"})
	if network != "unix" || addr != "/run/renderd/renderd.sock" {
		t.Errorf("unixOrTCP() = %q, %q", network, addr)
	}

	network, addr = unixOrTCP(config.SlaveSection{IPHostName: "127.0.0.1", IPPort: 7654})
	if network != "tcp" || addr != "127.0.0.1:7654" {
		t.Errorf("unixOrTCP() = %q, %q", network, addr)
	}
}

func TestClassifyListenErrMapsKnownSyscalls(t *testing.T) {
	cases := []struct {
		syscall string
		want    int
	}{
		{"socket", exitSocketCreate},
		{"bind", exitBind},
		{"listen", exitListen},
		{"connect", exitListen}, // unrecognized falls back to listen-stage
	}
	for _, tc := range cases {
		err := &os.SyscallError{Syscall: tc.syscall, Err: errors.New("boom")}
		if got := classifyListenErr(err); got != tc.want {
			t.Errorf("classifyListenErr(%q) = %d, want %d", tc.syscall, got, tc.want)
		}
	}
}

func TestClassifyListenErrFallsBackWithoutSyscallError(t *testing.T) {
	if got := classifyListenErr(errors.New("plain error")); got != exitListen {
		t.Errorf("classifyListenErr(plain) = %d, want %d", got, exitListen)
	}
}
