package emulator

import (
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// jwtIssuer is the issuer claim on every signed message.
const jwtIssuer = "Rock7"

// transmitTimeLayout renders UTC session time as YY-MM-DD HH:MM:SS.
const transmitTimeLayout = "06-01-02 15:04:05"

// handleSession simulates an SBD session for AT+SBDIX / AT+SBDIXA: an
// airtime delay, a success roll gated on the current signal strength, and on
// success a sequence bump plus a signed sbd-message event.
func (e *Emulator) handleSession() {
	if !e.sig.RadioActive() {
		e.logf(events.LevelWarn, "session refused: radio activity disabled")
		e.writeLine(fmt.Sprintf("+SBDIX: 34, %d, 2, %d, 0, 0", e.bufs.MOSeq(), e.bufs.MTSeq()))
		e.writeLine(replyOK)
		return
	}

	e.logf(events.LevelInfo, "SBD session started")
	e.sleepBetween(e.cfg.SessionDelayMin, e.cfg.SessionDelayMax)

	strength := e.sig.Current()
	if !e.sessionSucceeds(strength) {
		e.logf(events.LevelWarn, "SBD session failed, signal strength %d", strength)
		e.writeLine(fmt.Sprintf("+SBDIX: 32, %d, 2, %d, 0, 0", e.bufs.MOSeq(), e.bufs.MTSeq()))
		e.writeLine(replyOK)
		return
	}

	moSeq, mtSeq := e.bufs.IncrementSeqs()
	e.logf(events.LevelInfo, "SBD session succeeded, momsn=%d", moSeq)

	e.emitMessage(moSeq)

	e.writeLine(fmt.Sprintf("+SBDIX: 0, %d, 0, %d, 0, 0", moSeq, mtSeq))
	e.writeLine(replyOK)
}

// sessionSucceeds rolls the session outcome. Two or more bars always
// succeed; one bar succeeds roughly four times in five; none never does.
func (e *Emulator) sessionSucceeds(strength int) bool {
	if strength >= 2 {
		return true
	}
	if strength == 1 {
		return e.intBetween(5, 10)%10 != 0
	}
	return false
}

// emitMessage signs the uplinked MO payload and publishes it on the bus.
func (e *Emulator) emitMessage(moSeq uint16) {
	payload := e.bufs.MOTrimmed()
	now := e.now().UTC()

	msg := events.SBDMessage{
		MOMSN:            moSeq,
		Data:             hex.EncodeToString(payload),
		Serial:           messageSerial,
		IridiumLatitude:  iridiumLatitude,
		IridiumLongitude: iridiumLongitude,
		IridiumCEP:       iridiumCEP,
		IMEI:             serialNumber,
		DeviceType:       deviceType,
		TransmitTime:     now.Format(transmitTimeLayout),
	}

	claims := jwt.MapClaims{
		"momsn":             msg.MOMSN,
		"data":              msg.Data,
		"serial":            msg.Serial,
		"iridium_latitude":  msg.IridiumLatitude,
		"iridium_longitude": msg.IridiumLongitude,
		"iridium_cep":       msg.IridiumCEP,
		"imei":              msg.IMEI,
		"device_type":       msg.DeviceType,
		"transmit_time":     msg.TransmitTime,
		"iat":               now.Unix(),
		"iss":               jwtIssuer,
	}

	token, err := e.signer.Sign(claims)
	if err != nil {
		// The radio session itself succeeded; only the observer-facing
		// event is lost.
		e.logf(events.LevelError, "message signing failed: %v", err)
		return
	}
	msg.JWT = token

	e.bus.PublishSBDMessage(msg)
	e.logf(events.LevelInfo, "sbd-message emitted, momsn=%d data=%q", msg.MOMSN, msg.Data)
}
