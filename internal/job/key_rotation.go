package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Rotator заменяет ключи шифрования с истёкшим сроком.
type Rotator interface {
	Rotate(ctx context.Context) (int, error)
}

// KeyRotationJob периодически запускает ротацию ключей по cron-расписанию.
type KeyRotationJob struct {
	cron    *cron.Cron
	rotator Rotator
	timeout time.Duration
	logger  *slog.Logger
}

// NewKeyRotationJob регистрирует задачу ротации. Запуски не перекрываются.
func NewKeyRotationJob(schedule string, rotator Rotator, timeout time.Duration, logger *slog.Logger) (*KeyRotationJob, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &KeyRotationJob{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		rotator: rotator,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid key rotation schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce выполняет одну ротацию.
func (j *KeyRotationJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	rotated, err := j.rotator.Rotate(ctx)
	if err != nil {
		j.logger.Error("key rotation failed", "rotated", rotated, "error", err)
		return
	}
	j.logger.Info("key rotation completed", "rotated", rotated)
}

// Start запускает планировщик в фоне.
func (j *KeyRotationJob) Start() {
	j.cron.Start()
}

// Stop останавливает планировщик и ждёт завершения текущего запуска.
func (j *KeyRotationJob) Stop() {
	<-j.cron.Stop().Done()
}
