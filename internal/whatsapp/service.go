package whatsapp

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp/evolution"
	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultSyncWorkers = 8
	maxLastErrorLen    = 500
)

var ErrInstanceExists = errors.New("whatsapp: instance name already registered")

// Provider is the part of the provider client the service depends on.
// *evolution.Client satisfies it.
type Provider interface {
	CreateInstance(ctx context.Context, name string, wantsQRCode bool, phone string) (*evolution.CreateResult, error)
	GetConnectionCode(ctx context.Context, name string) (*evolution.PairingArtifact, error)
	ConnectWithPairingCode(ctx context.Context, name, phone string) (*evolution.PairingResult, error)
	GetConnectionState(ctx context.Context, name, instanceToken string) (evolution.ConnectionState, error)
	DeleteInstance(ctx context.Context, name, instanceToken string) error
	LogoutInstance(ctx context.Context, name, instanceToken string) error
	SendTextMessage(ctx context.Context, name, instanceToken, to, text string) (*evolution.SendAck, error)
	SendImageMessage(ctx context.Context, name, instanceToken, to, mediaURL, caption string) (*evolution.SendAck, error)
}

var _ Provider = (*evolution.Client)(nil)

type Options struct {
	CountryCode string
	SyncWorkers int
}

// Service manages the instances owned by stores: it keeps the local record
// in step with the provider and publishes lifecycle events.
type Service struct {
	provider    Provider
	repo        InstanceRepository
	bus         EventBus.BusPublisher
	node        *snowflake.Node
	countryCode string
	workers     int
	now         func() time.Time
}

// NewService creates the instance manager. bus may be nil.
func NewService(provider Provider, repo InstanceRepository, bus EventBus.BusPublisher, node *snowflake.Node, opts Options) *Service {
	if opts.CountryCode == "" {
		opts.CountryCode = evolution.DefaultCountryCode
	}
	if opts.SyncWorkers <= 0 {
		opts.SyncWorkers = defaultSyncWorkers
	}
	return &Service{
		provider:    provider,
		repo:        repo,
		bus:         bus,
		node:        node,
		countryCode: opts.CountryCode,
		workers:     opts.SyncWorkers,
		now:         time.Now,
	}
}

func (s *Service) List(ctx context.Context, storeID int64) ([]*domain.WhatsAppInstance, error) {
	items, err := s.repo.List(ctx, storeID)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: list instances")
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.WhatsAppInstance, error) {
	inst, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: get instance %d", id)
	}
	return inst, nil
}

// CreateInstance registers a new instance at the provider and stores the
// instance token it returns.
func (s *Service) CreateInstance(ctx context.Context, storeID int64, name, phone string) (*domain.WhatsAppInstance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, evolution.ErrInvalidInstanceName
	}
	var number string
	if strings.TrimSpace(phone) != "" {
		n, err := evolution.NormalizePhone(phone, s.countryCode)
		if err != nil {
			return nil, err
		}
		number = n
	}

	existing, err := s.repo.GetByName(ctx, name)
	switch {
	case err == nil && existing != nil:
		return nil, errors.Wrapf(ErrInstanceExists, "whatsapp: create %s", name)
	case err != nil && !errors.Is(err, ErrInstanceNotFound):
		return nil, errors.Wrapf(err, "whatsapp: lookup %s", name)
	}

	result, err := s.provider.CreateInstance(ctx, name, true, number)
	if err != nil {
		zap.L().Warn("whatsapp: provider create failed", zap.String("instance", name), zap.Error(err))
		return nil, errors.Wrapf(err, "whatsapp: create %s", name)
	}

	now := s.now()
	inst := &domain.WhatsAppInstance{
		ID:            s.node.Generate().Int64(),
		StoreID:       storeID,
		Name:          name,
		Phone:         number,
		InstanceToken: result.InstanceToken,
		Status:        domain.InstanceStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if result.Pairing != nil {
		inst.PairingCode = result.Pairing.PairingCode
		inst.QRCode = result.Pairing.QRCode
	}
	if err := s.repo.Create(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "whatsapp: save %s", name)
	}

	zap.L().Info("whatsapp: instance created",
		zap.Int64("id", inst.ID),
		zap.Int64("store_id", storeID),
		zap.String("instance", name),
		zap.Bool("has_token", inst.InstanceToken != ""))
	s.publish(TopicInstanceCreated, inst, "")
	return inst, nil
}

// Connect starts pairing. With a phone the pairing-code flow is used,
// otherwise fresh QR material is fetched.
func (s *Service) Connect(ctx context.Context, id int64, phone string) (*domain.WhatsAppInstance, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := inst.Status

	var artifact evolution.PairingArtifact
	if strings.TrimSpace(phone) != "" {
		number, err := evolution.NormalizePhone(phone, s.countryCode)
		if err != nil {
			return nil, err
		}
		res, err := s.provider.ConnectWithPairingCode(ctx, inst.Name, number)
		if err != nil {
			s.recordFailure(ctx, inst, err)
			return nil, errors.Wrapf(err, "whatsapp: connect %s", inst.Name)
		}
		artifact = res.Pairing
		inst.Phone = number
		if res.InstanceToken != "" {
			inst.InstanceToken = res.InstanceToken
		}
	} else {
		res, err := s.provider.GetConnectionCode(ctx, inst.Name)
		if err != nil {
			s.recordFailure(ctx, inst, err)
			return nil, errors.Wrapf(err, "whatsapp: connection code %s", inst.Name)
		}
		artifact = *res
	}

	now := s.now()
	inst.PairingCode = artifact.PairingCode
	inst.QRCode = artifact.QRCode
	inst.Status = domain.InstanceStatusConnecting
	inst.LastError = ""
	inst.UpdatedAt = now
	if err := s.repo.Update(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "whatsapp: save %s", inst.Name)
	}
	if prev != inst.Status {
		s.publish(TopicStateChanged, inst, prev)
	}
	return inst, nil
}

// RefreshStatus reads the provider state and stores it.
func (s *Service) RefreshStatus(ctx context.Context, id int64) (*domain.WhatsAppInstance, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Service) refresh(ctx context.Context, inst *domain.WhatsAppInstance) error {
	state, err := s.provider.GetConnectionState(ctx, inst.Name, inst.InstanceToken)
	if err != nil {
		s.recordFailure(ctx, inst, err)
		return errors.Wrapf(err, "whatsapp: state %s", inst.Name)
	}
	now := s.now()
	prev := inst.Status
	inst.Status = string(state)
	inst.LastError = ""
	inst.LastCheckedAt = &now
	inst.UpdatedAt = now
	if inst.Paired() {
		inst.PairingCode = ""
		inst.QRCode = ""
	}
	if err := s.repo.Update(ctx, inst); err != nil {
		return errors.Wrapf(err, "whatsapp: save %s", inst.Name)
	}
	if prev != inst.Status {
		zap.L().Info("whatsapp: state changed",
			zap.String("instance", inst.Name),
			zap.String("from", prev),
			zap.String("to", inst.Status))
		s.publish(TopicStateChanged, inst, prev)
	}
	return nil
}

// Logout unlinks the paired device and keeps the instance.
func (s *Service) Logout(ctx context.Context, id int64) (*domain.WhatsAppInstance, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.provider.LogoutInstance(ctx, inst.Name, inst.InstanceToken); err != nil {
		s.recordFailure(ctx, inst, err)
		return nil, errors.Wrapf(err, "whatsapp: logout %s", inst.Name)
	}
	prev := inst.Status
	inst.Status = domain.InstanceStatusDisconnected
	inst.PairingCode = ""
	inst.QRCode = ""
	inst.LastError = ""
	inst.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, inst); err != nil {
		return nil, errors.Wrapf(err, "whatsapp: save %s", inst.Name)
	}
	if prev != inst.Status {
		s.publish(TopicStateChanged, inst, prev)
	}
	return inst, nil
}

// Remove deletes the instance at the provider and then the local record.
func (s *Service) Remove(ctx context.Context, id int64) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteInstance(ctx, inst.Name, inst.InstanceToken); err != nil {
		s.recordFailure(ctx, inst, err)
		return errors.Wrapf(err, "whatsapp: delete %s", inst.Name)
	}
	if err := s.repo.Delete(ctx, inst.ID); err != nil {
		return errors.Wrapf(err, "whatsapp: remove record %s", inst.Name)
	}
	zap.L().Info("whatsapp: instance removed", zap.Int64("id", inst.ID), zap.String("instance", inst.Name))
	s.publish(TopicInstanceRemoved, inst, inst.Status)
	return nil
}

func (s *Service) SendText(ctx context.Context, id int64, to, text string) (*evolution.SendAck, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ack, err := s.provider.SendTextMessage(ctx, inst.Name, inst.InstanceToken, to, text)
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: send text via %s", inst.Name)
	}
	return ack, nil
}

func (s *Service) SendImage(ctx context.Context, id int64, to, mediaURL, caption string) (*evolution.SendAck, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ack, err := s.provider.SendImageMessage(ctx, inst.Name, inst.InstanceToken, to, mediaURL, caption)
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: send image via %s", inst.Name)
	}
	return ack, nil
}

// SyncAll refreshes every tracked instance using a bounded worker pool and
// returns how many were refreshed successfully.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	items, err := s.repo.ListForSync(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "whatsapp: list instances for sync")
	}
	if len(items) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return 0, errors.Wrap(err, "whatsapp: create sync pool")
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		synced int64
	)
	for _, inst := range items {
		if ctx.Err() != nil {
			break
		}
		inst := inst
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := s.refresh(ctx, inst); err != nil {
				zap.L().Warn("whatsapp: sync failed", zap.String("instance", inst.Name), zap.Error(err))
				return
			}
			atomic.AddInt64(&synced, 1)
		})
		if err != nil {
			wg.Done()
			zap.L().Error("whatsapp: submit sync task failed", zap.String("instance", inst.Name), zap.Error(err))
		}
	}
	wg.Wait()

	n := int(atomic.LoadInt64(&synced))
	zap.L().Debug("whatsapp: sync finished", zap.Int("total", len(items)), zap.Int("synced", n))
	return n, ctx.Err()
}

func (s *Service) recordFailure(ctx context.Context, inst *domain.WhatsAppInstance, cause error) {
	if ctx.Err() != nil {
		return
	}
	msg := cause.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	inst.LastError = msg
	if err := s.repo.UpdateStatus(ctx, inst.ID, inst.Status, msg, s.now()); err != nil {
		zap.L().Warn("whatsapp: failed to record last error", zap.Int64("id", inst.ID), zap.Error(err))
	}
}

func (s *Service) publish(topic string, inst *domain.WhatsAppInstance, previous string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, InstanceEvent{
		InstanceID: inst.ID,
		StoreID:    inst.StoreID,
		Name:       inst.Name,
		Status:     inst.Status,
		Previous:   previous,
		At:         s.now(),
	})
}
