package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/pion-call-gateway/internal/blob"
	"github.com/user/pion-call-gateway/internal/bridge"
	"github.com/user/pion-call-gateway/internal/config"
	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/inference"
	"github.com/user/pion-call-gateway/internal/metrics"
	"github.com/user/pion-call-gateway/internal/orchestrator"
	"github.com/user/pion-call-gateway/internal/prompt"
	"github.com/user/pion-call-gateway/internal/realtime"
	"github.com/user/pion-call-gateway/internal/server"
	"github.com/user/pion-call-gateway/internal/session"
	"github.com/user/pion-call-gateway/internal/store"
	"github.com/user/pion-call-gateway/internal/synthesis"
	"github.com/user/pion-call-gateway/internal/whatsapp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// closers collects handles to release on shutdown, last opened first.
type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.ConversationStore, io.Closer, error) {
	switch cfg.EffectiveStore() {
	case "redis":
		s, err := store.NewRedis(ctx, cfg.RedisURL, cfg.StoreTTL)
		return s, s, err
	case "badger":
		s, err := store.NewBadger(cfg.BadgerDir, cfg.StoreTTL)
		return s, s, err
	default:
		return store.NewMemory(cfg.StoreTTL), nopCloser{}, nil
	}
}

func openDirectory(cfg config.Config) (directory.Directory, io.Closer, error) {
	switch cfg.EffectiveDirectory() {
	case "supabase":
		return directory.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTable), nopCloser{}, nil
	case "sqlite":
		d, err := directory.NewSQLite(cfg.SQLiteDSN)
		return d, d, err
	default:
		return directory.None{}, nopCloser{}, nil
	}
}

func openInference(ctx context.Context, cfg config.Config) (inference.Client, error) {
	if cfg.InferenceProvider == "vertex" {
		return inference.NewVertex(ctx, cfg.VertexProject, cfg.VertexLocation, cfg.ModelID)
	}
	return inference.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ModelID), nil
}

type backends struct {
	store     store.ConversationStore
	directory directory.Directory
	inference inference.Client
	closers   closers
}

// openBackends builds the adapters. One that cannot be built is logged and
// replaced by its degraded default so the gateway still starts: the memory
// store, the anonymous directory, or an inference client that fails every
// turn.
func openBackends(ctx context.Context, cfg config.Config) backends {
	var b backends

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s, c, err := openStore(openCtx, cfg)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.EffectiveStore()).Msg("conversation store unavailable, using the memory store")
		s, c = store.NewMemory(cfg.StoreTTL), nopCloser{}
	}
	b.store = s
	b.closers = append(b.closers, c)

	dir, c, err := openDirectory(cfg)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.EffectiveDirectory()).Msg("directory unavailable, every caller is anonymous")
		dir, c = directory.None{}, nopCloser{}
	}
	b.directory = dir
	b.closers = append(b.closers, c)

	llm, err := openInference(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.InferenceProvider).Msg("inference unavailable, turns will apologize")
		llm = inference.Unavailable{Err: err}
	}
	b.inference = llm
	return b
}

// openBlobs returns the audio store and, for the in-memory store, the source
// the gateway serves /audio/ from.
func openBlobs(cfg config.Config) (blob.Store, server.AudioSource) {
	if cfg.EffectiveBlob() == "s3" {
		client, presigner := blob.NewS3Client(blob.S3Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		return blob.NewS3(client, presigner, cfg.S3Bucket, cfg.S3PresignTTL), nil
	}
	m := blob.NewMemory(cfg.URL(""), cfg.AudioRetention, 0)
	return m, m
}

func serve(ctx context.Context, cfg config.Config) error {
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	registry := session.NewRegistry()
	m := metrics.New("call_gateway", registry.Len)

	b := openBackends(ctx, cfg)
	defer b.closers.Close()
	resolver := directory.NewResolver(b.directory, cfg.DefaultRegion, 0)

	blobs, audio := openBlobs(cfg)

	persona, err := prompt.LoadPersona(cfg.AgentName, cfg.CompanyName, cfg.PersonaFile)
	if err != nil {
		return err
	}
	assembler, err := prompt.NewAssembler(persona)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Flow:         session.Mode(cfg.CallFlow),
		SpeechAction: cfg.URL("/speech"),
		StreamURL:    cfg.StreamURL("/media-stream"),
	}, orchestrator.Deps{
		Registry:    registry,
		Resolver:    resolver,
		Store:       b.store,
		Inference:   b.inference,
		Synthesizer: synthesis.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.SynthesisModel, cfg.SynthesisVoice),
		Blobs:       blobs,
		Persona:     persona,
		Assembler:   assembler,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	agent := realtime.NewDialer(realtime.Config{
		URL:         cfg.AgentURL,
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.AgentID,
		Voice:       cfg.AgentVoice,
		AudioFormat: cfg.AgentAudioFormat,
	}, func(ctx context.Context, info bridge.StartInfo) string {
		profile := resolver.Resolve(ctx, info.CallerID)
		return assembler.Assemble(prompt.NewContext(persona, profile, time.Now()))
	})

	api, err := whatsapp.NewAPI()
	if err != nil {
		return errors.Wrap(err, "webrtc api")
	}
	wa := whatsapp.NewGateway(api,
		whatsapp.NewGraph(cfg.WhatsAppGraph, cfg.WhatsAppToken, cfg.PhoneNumberID),
		bridge.New(registry, agent, m, "whatsapp"),
		whatsapp.Options{ICEServers: []string{cfg.WhatsAppSTUN}},
	)

	srv := server.New(ctx, server.Options{
		Voice:           cfg.TwimlVoice,
		VerifyToken:     cfg.VerifyToken,
		PublicBaseURL:   cfg.PublicBaseURL,
		TwilioAuthToken: cfg.TwilioAuthToken,
	}, server.Deps{
		Registry: registry,
		Turns:    orch,
		Streams:  bridge.New(registry, agent, m, "twilio"),
		WhatsApp: wa,
		Audio:    audio,
		Metrics:  m,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("port", cfg.Port).
			Str("call_flow", cfg.CallFlow).
			Str("store", cfg.EffectiveStore()).
			Str("directory", cfg.EffectiveDirectory()).
			Str("blobs", cfg.EffectiveBlob()).
			Msg("call gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := registry.Sweep(cfg.SessionIdleTTL); n > 0 {
					log.Debug().Int("sessions", n).Msg("swept idle sessions")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
