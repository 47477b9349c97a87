package app

import (
	"github.com/rinat3636/mybottg/internal/adapter/repo/postgres"
	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
	"github.com/rinat3636/mybottg/internal/usecase"
)

// Services is the explicit bundle of core services constructed once at
// startup and handed to the front-end. Nothing here is a process-global;
// lifecycle is tied to the owning command.
type Services struct {
	Store *store.Store
	Queue *store.Queue
	GPU   *store.GPUSemaphore

	Users     domain.UserRepository
	Ledger    domain.Ledger
	Payments  domain.PaymentRepository
	Gens      domain.GenerationRepository
	Support   domain.SupportRepository
	Admission *usecase.AdmissionService
	Cancel    *usecase.CancelService
	Accounts  *usecase.UserService
	Albums    *usecase.AlbumService
}

// NewServices wires the store-backed and Postgres-backed services.
func NewServices(cfg config.Config, pool postgres.PgxPool, st *store.Store, notifier domain.Notifier) *Services {
	queue := store.NewQueue(st, store.QueueConfig{
		UserCap:   cfg.MaxQueuedTasksPerUser,
		GlobalCap: cfg.MaxGlobalQueueSize,
		LockTTL:   cfg.GenerationLockTTL,
	})
	gpu := store.NewGPUSemaphore(st, cfg.MaxGPUJobs)

	users := postgres.NewUserRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	payments := postgres.NewPaymentRepo(pool)
	gens := postgres.NewGenerationRepo(pool)
	support := postgres.NewSupportRepo(pool)

	return &Services{
		Store:     st,
		Queue:     queue,
		GPU:       gpu,
		Users:     users,
		Ledger:    ledger,
		Payments:  payments,
		Gens:      gens,
		Support:   support,
		Admission: usecase.NewAdmissionService(queue, ledger, users, gens),
		Cancel:    usecase.NewCancelService(queue, ledger, gens, notifier),
		Accounts:  usecase.NewUserService(users, cfg),
		Albums:    usecase.NewAlbumService(st, nil),
	}
}
