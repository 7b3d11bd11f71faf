// Package main wires a PoolChannelFactory end to end against a stub
// template provider: open a channel, push a future job, activate it
// with a prev-hash, and submit one share.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/sv2pool/channelfactory/internal/channelfactory"
	"github.com/sv2pool/channelfactory/internal/config"
	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/jobcreator"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting pool channel factory demo",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	if cfg.Factory.Role != "pool" {
		logger.Fatal("this demo only drives the pool role", zap.String("role", cfg.Factory.Role))
	}

	alloc, err := extranonce.New(cfg.Factory.ExtranonceLen, cfg.Factory.Range0Len, cfg.Factory.Range1Len)
	if err != nil {
		logger.Fatal("failed to build extranonce allocator", zap.Error(err))
	}

	poolOutput, err := jobcreator.PoolOutput(cfg.Pool.CoinbaseOutputAddress, cfg.Pool.CoinbaseOutputValue, &chaincfg.RegressionNetParams)
	if err != nil {
		logger.Fatal("failed to build pool coinbase output", zap.Error(err))
	}

	factory := channelfactory.NewPoolChannelFactory(logger, alloc, groupid.New(), cfg.Factory.SharesPerMinute, []wire.TxOut{poolOutput})

	success := factory.OpenExtendedChannel(1, 1e12, 4)
	logger.Info("open_extended_channel result", zap.Int("messages", len(success)))

	stub := templateprovider.NewStub()
	stub.PushTemplate(templateprovider.NewTemplate{
		TemplateID:         1,
		Future:             true,
		Version:            0x20000000,
		CoinbaseTxVersion:  2,
		CoinbaseTxInputSeq: 0xffffffff,
		CoinbaseTxLocktime: 0,
	})

	tmpl, _ := stub.NextTemplate()
	if _, err := factory.OnNewTemplate(&tmpl); err != nil {
		logger.Fatal("failed to synthesize job from template", zap.Error(err))
	}

	stub.PushPrevHash(templateprovider.SetNewPrevHashFromTp{
		TemplateID:      1,
		HeaderTimestamp: 1_700_000_000,
		NBits:           0x1d00ffff,
	})
	prevHash, _ := stub.NextPrevHash()
	factory.OnNewPrevHashFromTp(prevHash)

	share := protocol.SubmitSharesExtended{
		ChannelID:      1,
		SequenceNumber: 0,
		JobID:          1,
		Nonce:          0,
		Ntime:          prevHash.HeaderTimestamp,
		Version:        tmpl.Version,
		Extranonce:     make([]byte, alloc.Range2Len()),
	}

	outcome, err := factory.OnSubmitSharesExtended(share)
	if err != nil {
		logger.Info("share rejected", zap.Error(err))
		return
	}

	logger.Info("share classified", zap.Int("outcome", int(outcome.Kind)))
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
