// Package main implements the provisioning CLI for marketsync secrets.
//
// The tool writes the secrets syncd and sync-trigger read at cold start to
// AWS SSM Parameter Store as SecureString parameters, generating the ones
// that are internal (admin API key, credential encryption key) and
// prompting for the ones that come from outside (database URL, marketplace
// client secret). It then prints the *_SSM_PARAM variables to set on the
// deployed functions.
//
// Usage:
//
//	go run ./cmd/provision --env=dev
//	go run ./cmd/provision --env=prod --profile=marketsync-prod --region=eu-west-1
//	go run ./cmd/provision --env=dev --rotate=ADMIN_API_KEY
//
// Existing parameters are never overwritten unless named with --rotate.
// Rotating CREDENTIAL_ENCRYPTION_KEY makes every stored credential
// undecryptable; the tool refuses it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// session is the verified AWS identity the tool writes with.
type session struct {
	Environment string
	Region      string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	endpointFlag := flag.String("endpoint", "", "SSM endpoint override (LocalStack)")
	rotateFlag := flag.String("rotate", "", "Comma-separated env var names to overwrite")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be dev, staging, or prod\n\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := initializeSession(ctx, *envFlag, *profileFlag, *regionFlag, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if sess.Environment == "prod" && !confirmProduction(sess) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}

	client := ssm.NewFromConfig(sess.AWSConfig, func(o *ssm.Options) {
		if *endpointFlag != "" {
			o.BaseEndpoint = aws.String(*endpointFlag)
		}
	})

	p := &Provisioner{
		SSM:       NewSSMManager(client, sess.Environment, logger),
		Inventory: DefaultInventory(),
		Rotate:    parseRotate(*rotateFlag),
		Prompter:  NewTerminalPrompter(os.Stdin, os.Stderr),
		Logger:    logger,
	}
	results, err := p.Run(ctx)
	if err != nil {
		logger.Error("provisioning failed", "error", err)
		os.Exit(1)
	}

	printEnvBlock(os.Stdout, results)
	logger.Info("provisioning complete",
		"env", sess.Environment,
		"account", sess.AccountID,
		"region", sess.Region,
	)
}

// initializeSession loads AWS config and verifies the caller with STS
// before anything is written.
func initializeSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*session, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", profile, region, err)
	}

	sess := &session{
		Environment: env,
		Region:      region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
	}
	logger.Info("AWS identity verified",
		"account_id", sess.AccountID,
		"arn", sess.CallerARN,
		"region", region,
	)
	return sess, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(sess *session) bool {
	fmt.Fprintf(os.Stderr, "\nWARNING: writing PRODUCTION parameters to account %s (%s) as %s\n",
		sess.AccountID, sess.Region, sess.CallerARN)
	fmt.Fprint(os.Stderr, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func parseRotate(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out[strings.ToUpper(name)] = true
		}
	}
	return out
}
