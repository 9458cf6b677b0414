/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package thermal

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"thermalguard/internal/glog"
)

const (
	GridRows = 24
	GridCols = 32

	gridWords         = GridRows * GridCols              // 768
	embeddedEepromLen = 66 * 4                           // 264 hex chars
	gridHexLen        = gridWords * 4                    // 3072
	fullFrameHexLen   = gridHexLen + embeddedEepromLen   // 3336
	eeprom1HexLen     = 832 * 4                          // 3328

	minNonzeroEmbeddedWords = 7
	eeprom1Words            = 832

	minOffsetC = -100.0
	maxOffsetC = 100.0

	baselineC = 27.0
)

var (
	ErrLengthMismatch        = errors.New("thermal: frame payload is not a recognized grid/eeprom size")
	ErrBadHex                = errors.New("thermal: payload contains non-hex characters")
	ErrCalibrationOutOfRange = errors.New("thermal: eeprom1 offset outside [-100, 100] C, ignoring")
)

// Grid is a decoded, calibrated temperature grid in degrees Celsius.
type Grid [GridRows][GridCols]float32

// FrameDecoder turns raw frame hex payloads into calibrated Grids,
// consulting and updating a CalibrationStore as embedded or authoritative
// EEPROM data becomes available.
type FrameDecoder struct {
	Calib     *CalibrationStore
	UseEEPROM bool // honor embedded (66-word) EEPROM calibration when no EEPROM1 has loaded

	// AllowUncalibrated lets a frame count as calibrated on a bare zero
	// offset before any calibration source (EEPROM1, embedded EEPROM, or
	// operator-configured offset) has been seen. Off by default: such
	// grids are raw readings plus the 27 C baseline, nothing more.
	AllowUncalibrated bool

	log       *glog.Logger
	traceOnce sync.Once
}

func NewFrameDecoder(calib *CalibrationStore, useEEPROM bool, log *glog.Logger) *FrameDecoder {
	if log == nil {
		log = glog.NewDiscard()
	}
	return &FrameDecoder{Calib: calib, UseEEPROM: useEEPROM, log: log}
}

// DecodeFrame parses hexPayload (either the 3072-char legacy grid-only
// form or the 3336-char grid+embedded-EEPROM form) into a calibrated
// Grid. It returns the embedded EEPROM hex, if present, and whether the
// result is backed by a trustworthy calibration: EEPROM1 loaded, a
// valid embedded EEPROM honored, an operator-configured offset, or a
// zero offset when AllowUncalibrated explicitly permits one.
func (fd *FrameDecoder) DecodeFrame(hexPayload string) (grid Grid, embeddedEeprom string, calibrated bool, err error) {
	var gridHex string
	switch len(hexPayload) {
	case gridHexLen:
		gridHex = hexPayload
	case fullFrameHexLen:
		gridHex = hexPayload[:gridHexLen]
		embeddedEeprom = hexPayload[gridHexLen:]
	default:
		return grid, "", false, fmt.Errorf("%w: got %d chars", ErrLengthMismatch, len(hexPayload))
	}
	if !isHex(gridHex) {
		return grid, "", false, ErrBadHex
	}

	if embeddedEeprom != "" && !fd.Calib.LoadedFromEEPROM1() && fd.UseEEPROM && IsEmbeddedEEPROMValid(embeddedEeprom) {
		if off, ok := parseEmbeddedOffset(embeddedEeprom); ok {
			fd.Calib.setOffset(off, false)
		}
	}

	offset := fd.Calib.Offset()
	for r := 0; r < GridRows; r++ {
		for c := 0; c < GridCols; c++ {
			word := gridHex[(r*GridCols+c)*4 : (r*GridCols+c)*4+4]
			v, err := rawToCelsius(word, offset)
			if err != nil {
				return grid, embeddedEeprom, false, err
			}
			grid[r][c] = v
		}
	}

	fd.traceOnce.Do(func() {
		fd.log.Debug("first raw->celsius conversion",
			glog.KV("raw_word", gridHex[:4]),
			glog.KV("celsius", grid[0][0]),
			glog.KV("offset_c", offset))
	})

	calibrated = fd.Calib.LoadedFromEEPROM1() ||
		(embeddedEeprom != "" && fd.UseEEPROM && IsEmbeddedEEPROMValid(embeddedEeprom)) ||
		fd.Calib.HasConfiguredOffset() ||
		(fd.AllowUncalibrated && offset == 0)
	return grid, embeddedEeprom, calibrated, nil
}

func rawToCelsius(word string, offsetC float32) (float32, error) {
	raw, err := strconv.ParseUint(word, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	signed := int32(raw)
	if raw > 0x7FFF {
		signed = int32(raw) - 0x10000
	}
	return float32(signed)/100.0 + baselineC + offsetC, nil
}

// IsEmbeddedEEPROMValid is the sanity check for the 66-word EEPROM block
// embedded in a 3336-char frame: the right length, valid hex, and at
// least minNonzeroEmbeddedWords non-zero words (a device echoing all
// zeros is not a calibration source).
func IsEmbeddedEEPROMValid(hex string) bool {
	if len(hex) != embeddedEepromLen || !isHex(hex) {
		return false
	}
	nonzero := 0
	for i := 0; i+4 <= len(hex); i += 4 {
		if hex[i:i+4] != "0000" {
			nonzero++
		}
	}
	return nonzero >= minNonzeroEmbeddedWords
}

func parseEmbeddedOffset(hex string) (float32, bool) {
	if len(hex) < 4 {
		return 0, false
	}
	raw, err := strconv.ParseUint(hex[:4], 16, 32)
	if err != nil {
		return 0, false
	}
	signed := int32(raw)
	if raw > 0x7FFF {
		signed = int32(raw) - 0x10000
	}
	off := float32(signed) / 100.0
	if off < minOffsetC || off > maxOffsetC {
		return 0, false
	}
	return off, true
}

// ApplyEeprom1 parses an authoritative EEPROM1 response (3328 hex chars,
// eeprom1Words words). Only the first word carries the offset; it must
// lie within [-100, 100] C, and out-of-range values are rejected, leaving
// any previously cached offset untouched.
func (fd *FrameDecoder) ApplyEeprom1(hex string) error {
	if len(hex) != eeprom1HexLen {
		return fmt.Errorf("%w: got %d chars", ErrLengthMismatch, len(hex))
	}
	if !isHex(hex) {
		return ErrBadHex
	}
	raw, err := strconv.ParseUint(hex[:4], 16, 32)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	signed := int32(raw)
	if raw > 0x7FFF {
		signed = int32(raw) - 0x10000
	}
	off := float32(signed) / 100.0
	if off < minOffsetC || off > maxOffsetC {
		return fmt.Errorf("%w: %.2f", ErrCalibrationOutOfRange, off)
	}
	fd.Calib.setOffset(off, true)
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
