package olm

import (
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

// GetRoomSettings returns the stored encryption settings of a room, or nil if none were set.
func (m *Machine) GetRoomSettings(roomID ids.RoomID) (*RoomSettings, error) {
	var out *RoomSettings
	err := m.db.RunReadOnly("reading room settings", func() error {
		s, err := m.db.roomSettings(roomID)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		out = &RoomSettings{
			Algorithm:               s.Algorithm,
			OnlyAllowTrustedDevices: s.OnlyTrusted,
			RotationPeriod:          time.Duration(s.RotationPeriodMs) * time.Millisecond,
			RotationPeriodMessages:  s.RotationMessages,
		}
		return nil
	})
	return out, err
}

// SetRoomSettings stores the encryption settings of a room. The algorithm of a room can never change
// once set.
func (m *Machine) SetRoomSettings(roomID ids.RoomID, settings *RoomSettings) error {
	return m.db.Run("storing room settings", func() error {
		s, err := m.db.roomSettings(roomID)
		if err == nil && s.Algorithm != settings.Algorithm {
			return fmt.Errorf("%w: %s uses %s", ErrEncryptionDowngrade, roomID, s.Algorithm)
		} else if err != nil && !notFound(err) {
			return err
		}
		if settings.Algorithm != event.AlgorithmMegolm {
			return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, settings.Algorithm)
		}
		return m.db.upsertRoomSettings(&roomSettingsRow{
			RoomID:           string(roomID),
			Algorithm:        settings.Algorithm,
			OnlyTrusted:      settings.OnlyAllowTrustedDevices,
			RotationPeriodMs: settings.RotationPeriod.Milliseconds(),
			RotationMessages: settings.RotationPeriodMessages,
		})
	})
}
