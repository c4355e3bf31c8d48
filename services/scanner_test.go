package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeClamd speaks enough of the clamd protocol for PING, VERSION and
// INSTREAM. Streams containing "EICAR" are reported as infected.
func fakeClamd(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveClamd(conn)
		}
	}()
	return ln.Addr().String()
}

func serveClamd(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := r.ReadString('\n')
	if err != nil {
		return
	}
	switch {
	case strings.Contains(cmd, "PING"):
		_, _ = io.WriteString(conn, "PONG\n")
	case strings.Contains(cmd, "VERSION"):
		_, _ = io.WriteString(conn, "ClamAV 1.2.0/27000/Mon Jan  1 00:00:00 2024\n")
	case strings.Contains(cmd, "INSTREAM"):
		var data []byte
		for {
			var size uint32
			if err := binary.Read(r, binary.BigEndian, &size); err != nil {
				return
			}
			if size == 0 {
				break
			}
			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			data = append(data, chunk...)
		}
		if bytes.Contains(data, []byte("EICAR")) {
			_, _ = io.WriteString(conn, "stream: Eicar-Test-Signature FOUND\n")
		} else {
			_, _ = io.WriteString(conn, "stream: OK\n")
		}
	}
}

func TestScannerService_ScanFile(t *testing.T) {
	t.Parallel()

	addr := fakeClamd(t)
	scanner, err := NewScannerService(addr, slog.Default())
	if err != nil {
		t.Fatalf("NewScannerService: %v", err)
	}
	if !strings.HasPrefix(scanner.Version(), "ClamAV") {
		t.Fatalf("unexpected version %q", scanner.Version())
	}

	dir := t.TempDir()
	clean := filepath.Join(dir, "clean.wav")
	infected := filepath.Join(dir, "infected.wav")
	_ = os.WriteFile(clean, []byte("RIFF....WAVEfmt "), 0o644)
	_ = os.WriteFile(infected, []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`), 0o644)

	threats, err := scanner.ScanFile(context.Background(), clean)
	if err != nil {
		t.Fatalf("ScanFile clean: %v", err)
	}
	if len(threats) != 0 {
		t.Fatalf("clean file flagged: %v", threats)
	}

	threats, err = scanner.ScanFile(context.Background(), infected)
	if err != nil {
		t.Fatalf("ScanFile infected: %v", err)
	}
	if len(threats) != 1 || threats[0] != "Eicar-Test-Signature" {
		t.Fatalf("unexpected threats %v", threats)
	}
}

func TestNewScannerService_Unreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := NewScannerService(addr, slog.Default()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClamdAddress(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"localhost:3310":       "tcp://localhost:3310",
		"tcp://clamav:3310":    "tcp://clamav:3310",
		"/run/clamd/clamd.ctl": "/run/clamd/clamd.ctl",
	}
	for in, want := range tests {
		if got := clamdAddress(in); got != want {
			t.Errorf("clamdAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
