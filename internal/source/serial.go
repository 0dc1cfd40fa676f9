package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.bug.st/serial"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Serial reads NMEA 0183 sentences from a GPS receiver on a serial port.
type Serial struct {
	path string
	mode *serial.Mode
	log  *slog.Logger
	open func(path string, mode *serial.Mode) (io.ReadCloser, error)
}

// NewSerial creates a source for the receiver at path (8N1 at baud).
func NewSerial(path string, baud int, log *slog.Logger) *Serial {
	if log == nil {
		log = slog.Default()
	}
	return &Serial{
		path: path,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		log: log,
		open: func(path string, mode *serial.Mode) (io.ReadCloser, error) {
			return serial.Open(path, mode)
		},
	}
}

// Subscribe opens the port and delivers every valid RMC fix.
func (s *Serial) Subscribe(ctx context.Context, fn func(logic.Sample)) error {
	port, err := s.open(s.path, s.mode)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", s.path, err)
	}
	defer port.Close()

	s.log.Info("reading GPS", "port", s.path, "baud", s.mode.BaudRate)
	return ReadNMEA(ctx, port, fn, s.log)
}

// ReadNMEA scans r line by line until EOF or ctx is done.
func ReadNMEA(ctx context.Context, r io.Reader, fn func(logic.Sample), log *slog.Logger) error {
	scan := bufio.NewScanner(r)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// the blocking Scan runs in its own goroutine so ctx can interrupt the loop
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// scanErr is written before lines is closed unless ctx ended the scan
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read nmea: %w", err)
					}
					return io.EOF
				default:
					return nil
				}
			}
			sample, err := ParseRMC(line)
			switch {
			case err == nil:
				fn(sample)
			case errors.Is(err, ErrNotRMC):
			default:
				log.Debug("skipping sentence", "error", err)
			}
		}
	}
}
