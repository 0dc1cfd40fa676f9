package source

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/sweeney/launch-timer/internal/logic"
)

// knotsToMPS converts an NMEA speed over ground to meters per second.
const knotsToMPS = 1852.0 / 3600.0

// ParseRMC parses a $--RMC sentence into a sample in m/s stamped with the fix time.
//
//	$GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
func ParseRMC(line string) (logic.Sample, error) {
	line = strings.TrimSpace(line)
	if len(line) < 7 || line[0] != '$' || line[3:6] != nmea.TypeRMC {
		return logic.Sample{}, ErrNotRMC
	}
	body, sum, ok := strings.Cut(line[1:], "*")
	if !ok {
		return logic.Sample{}, fmt.Errorf("%w: missing checksum", ErrChecksum)
	}
	if want := nmea.Checksum(body); !strings.EqualFold(sum, want) {
		return logic.Sample{}, fmt.Errorf("%w: got %s want %s", ErrChecksum, sum, want)
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return logic.Sample{}, fmt.Errorf("rmc: %w", err)
	}
	rmc, ok := s.(nmea.RMC)
	if !ok {
		return logic.Sample{}, ErrNotRMC
	}
	if rmc.Validity != nmea.ValidRMC {
		return logic.Sample{}, ErrNoFix
	}
	ts, err := fixTime(rmc.Date, rmc.Time)
	if err != nil {
		return logic.Sample{}, err
	}
	return logic.Sample{Speed: rmc.Speed * knotsToMPS, Unit: logic.UnitMPS, Time: ts}, nil
}

// fixTime combines the RMC date and time of day into a UTC time.
func fixTime(d nmea.Date, t nmea.Time) (time.Time, error) {
	if !d.Valid || !t.Valid {
		return time.Time{}, errors.New("rmc: fix without date or time")
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC), nil
}
