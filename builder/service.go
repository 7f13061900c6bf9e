package builder

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/flashbotsextra"
	"github.com/flashbots/mev-producer/miner"
	"github.com/gorilla/mux"
)

const (
	_PathStatus = "/mev/v1/status"
	_PathCycles = "/mev/v1/cycles"
	_PathCycle  = "/mev/v1/cycles/{number:[0-9]+}"
)

type httpErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(httpErrorResp{code, message}); err != nil {
		http.Error(w, message, code)
	}
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("could not encode response", "err", err)
	}
}

type Service struct {
	srv     *http.Server
	builder *Builder
	closers []func() error
}

func (s *Service) Start() error {
	if s.srv != nil {
		log.Info("Service started", "addr", s.srv.Addr)
		go func() {
			if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", "err", err)
			}
		}()
	}

	return s.builder.Start()
}

func (s *Service) Stop() error {
	if s.srv != nil {
		s.srv.Close()
	}
	err := s.builder.Stop()
	for _, closer := range s.closers {
		closer()
	}
	return err
}

func (s *Service) handleStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, s.builder.Status())
}

func (s *Service) handleCycles(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, s.builder.Cycles())
}

func (s *Service) handleCycle(w http.ResponseWriter, req *http.Request) {
	number, err := strconv.ParseUint(mux.Vars(req)["number"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "incorrect block number")
		return
	}
	cycle, ok := s.builder.Cycle(number)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown cycle")
		return
	}
	respondJSON(w, cycle)
}

func (s *Service) getRouter() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc(_PathStatus, s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc(_PathCycles, s.handleCycles).Methods(http.MethodGet)
	router.HandleFunc(_PathCycle, s.handleCycle).Methods(http.MethodGet)

	loggedRouter := httplogger.LoggingMiddleware(router)
	return loggedRouter
}

func NewService(listenAddr string, builder *Builder) *Service {
	s := &Service{builder: builder}
	if listenAddr != "" {
		s.srv = &http.Server{
			Addr:              listenAddr,
			Handler:           s.getRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Register wires the bundle pool, the producer and its outputs on top of
// chain as configured by cfg.
func Register(chain Chain, pool *core.BundlePool, executor core.Executor, minerCfg *miner.Config, cfg *Config) *Service {
	var (
		ds      flashbotsextra.IDatabaseService
		closers []func() error
	)
	dbDSN := os.Getenv("FLASHBOTS_POSTGRES_DSN")
	if dbDSN == "" {
		dbDSN = cfg.PostgresDSN
	}
	if dbDSN != "" {
		dbService, err := flashbotsextra.NewDatabaseService(dbDSN)
		if err != nil {
			log.Error("could not connect to the DB", "err", err)
			ds = flashbotsextra.NilDbService{}
		} else {
			ds = dbService
			closers = append(closers, dbService.Close)
		}
	} else {
		log.Info("db dsn is not provided, starting nil db svc")
		ds = flashbotsextra.NilDbService{}
	}

	var fetcher *flashbotsextra.BundleFetcher
	if !cfg.DisableBundleFetcher {
		fetcher = flashbotsextra.NewBundleFetcher(ds, pool, cfg.BundleFetchInterval)
	}

	var remote CycleForwarder
	if cfg.RemoteCycleEndpoint != "" {
		remote = flashbotsextra.NewRpcCycleClient(cfg.RemoteCycleEndpoint)
	}

	builderBackend := NewBuilder(BuilderArgs{
		Chain:          chain,
		Pool:           pool,
		Executor:       executor,
		Validator:      miner.BasicValidator{},
		MinerConfig:    minerCfg,
		Ds:             ds,
		Remote:         remote,
		RemoteInterval: cfg.RemoteRateLimit,
		Fetcher:        fetcher,
		HistorySize:    cfg.CycleHistory,
	})
	service := NewService(cfg.ListenAddr, builderBackend)
	service.closers = closers
	return service
}
