package serialport

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

const purgeBudget = time.Second

// Port wraps a serial device with timeout-based reads. A read that hits the
// timeout returns (0, nil) so callers can treat it uniformly as "no data
// yet" regardless of platform.
type Port struct {
	p *serial.Port
}

func Open(device string, baud int, readTimeout time.Duration) (*Port, error) {
	sp, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", device, err)
	}
	port := &Port{p: sp}
	port.purge()
	log.Info().Str("device", device).Int("baud", baud).Msg("serial port opened")
	return port, nil
}

// purge drains whatever the device printed while booting, so framing starts
// from a quiet line. Bounded; a chatty device just starts mid-stream.
func (p *Port) purge() {
	buf := make([]byte, 256)
	deadline := time.Now().Add(purgeBudget)
	discarded := 0
	for time.Now().Before(deadline) {
		n, err := p.p.Read(buf)
		if err != nil || n == 0 {
			break
		}
		discarded += n
	}
	if discarded > 0 {
		log.Debug().Int("bytes", discarded).Msg("boot noise discarded")
	}
}

func (p *Port) Read(b []byte) (int, error) {
	n, err := p.p.Read(b)
	if err != nil && (os.IsTimeout(err) || err == io.EOF) {
		// A VTIME expiry surfaces as a zero-byte read, which os.File turns
		// into io.EOF. The device has no real end-of-stream.
		return 0, nil
	}
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	return p.p.Write(b)
}

func (p *Port) Close() error {
	return p.p.Close()
}
