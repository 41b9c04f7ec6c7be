package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

// RegisterResult reports what RegisterDevices created.
type RegisterResult struct {
	Created  int    `json:"created"`
	Existing int    `json:"existing"`
	Message  string `json:"message"`
}

// RegisterDevices fetches every terminal of the enabled connector and creates
// the devices not yet registered. Registered devices get the portal's current
// name, alias, address, area and last activity.
func (s *Syncer) RegisterDevices(ctx context.Context) (RegisterResult, error) {
	sess, err := s.tokens.Token(ctx)
	if err != nil {
		return RegisterResult{}, err
	}
	terms, err := sess.Client.Terminals(ctx, sess.Token)
	if err != nil {
		return RegisterResult{}, portalError("Failed to fetch device(s)", err)
	}
	var res RegisterResult
	for _, t := range terms {
		d := s.deviceFromTerminal(t)
		switch err := s.st.InsertDevice(ctx, d); {
		case err == nil:
			res.Created++
		case errors.Is(err, store.ErrDuplicate):
			if err := s.refreshDevice(ctx, d); err != nil {
				return res, fmt.Errorf("failed to refresh device %d: %w", d.DeviceID, err)
			}
			s.lg.Debug("device already registered", zap.Int64("device_id", d.DeviceID), zap.String("name", d.DeviceName))
			res.Existing++
		default:
			return res, fmt.Errorf("failed to register device %d: %w", d.DeviceID, err)
		}
	}
	res.Message = fmt.Sprintf("%d new device(s) created successfully", res.Created)
	s.lg.Info("devices registered", zap.Int("created", res.Created), zap.Int("existing", res.Existing))
	return res, nil
}

// refreshDevice overwrites the portal-owned fields of a registered device and
// keeps its last sync request.
func (s *Syncer) refreshDevice(ctx context.Context, d models.Device) error {
	cur, err := s.st.Device(ctx, d.DeviceID)
	if err != nil {
		return err
	}
	d.LastSyncRequest = cur.LastSyncRequest
	return s.st.UpdateDevice(ctx, d)
}

// LookupDevice fetches one terminal and maps it to device fields without
// storing it.
func (s *Syncer) LookupDevice(ctx context.Context, id int64) (models.Device, error) {
	sess, err := s.tokens.Token(ctx)
	if err != nil {
		return models.Device{}, err
	}
	t, err := sess.Client.Terminal(ctx, sess.Token, id)
	if err != nil {
		return models.Device{}, portalError(fmt.Sprintf("Failed to fetch device %d", id), err)
	}
	return s.deviceFromTerminal(t), nil
}

func (s *Syncer) deviceFromTerminal(t biotime.Terminal) models.Device {
	now := s.now()
	d := models.Device{
		DeviceID:        t.ID,
		DeviceName:      t.TerminalName,
		DeviceAlias:     t.Alias,
		DeviceIPAddress: t.IPAddress,
		DeviceArea:      t.Area.AreaName + " - " + t.Area.AreaCode,
		LastSyncRequest: &now,
	}
	if t.LastActivity != "" {
		if at, err := time.ParseInLocation(models.TimeLayout, t.LastActivity, s.st.Location()); err == nil {
			d.LastActivity = &at
		} else {
			s.lg.Debug("unparseable last_activity", zap.Int64("device_id", t.ID), zap.String("value", t.LastActivity))
		}
	}
	return d
}

func portalError(msg string, err error) error {
	var se *biotime.StatusError
	switch {
	case errors.As(err, &se):
		code := http.StatusBadGateway
		if se.Code == http.StatusNotFound {
			code = http.StatusNotFound
		}
		return utils.Wrap(code, fmt.Sprintf("%s. Status code: %d", msg, se.Code), err)
	case errors.Is(err, biotime.ErrTimeout):
		return utils.Wrap(http.StatusGatewayTimeout, msg+": request timeout", err)
	default:
		return utils.Wrap(http.StatusBadGateway, msg, err)
	}
}
