// Package boot holds the server's startup composition: AWS config, the
// recording bucket, the session store, and secrets from SSM Parameter
// Store. main stays a short composition of these helpers.
package boot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/s3util"
	"github.com/posturelab/posture-pipeline/internal/session"
)

// Environment variables read at startup.
const (
	EnvBucket        = "POSTURE_BUCKET"
	EnvSessionsTable = "POSTURE_SESSIONS_TABLE"
	EnvWebhookToken  = "POSTURE_WEBHOOK_TOKEN"
	EnvServiceToken  = "POSTURE_SERVICE_TOKEN"
)

// Default SSM parameter names for secrets not provided via environment.
const (
	webhookTokenParam = "/posture-pipeline/prod/webhook-token"
	serviceTokenParam = "/posture-pipeline/prod/service-token"
)

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config. Fatals on error; the server cannot
// run without it.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitBucket creates the recording bucket helper from POSTURE_BUCKET.
// Fatals if the variable is empty.
func InitBucket(cfg aws.Config) *s3util.Bucket {
	name := os.Getenv(EnvBucket)
	if name == "" {
		log.Fatal().Str("envVar", EnvBucket).Msg("Recording bucket environment variable is required")
	}
	return s3util.NewBucket(s3.NewFromConfig(cfg), name)
}

// InitSessionStore creates the session store. With POSTURE_SESSIONS_TABLE
// set it is DynamoDB-backed; otherwise an in-memory store is used, which
// only suits single-node local runs.
func InitSessionStore(cfg aws.Config) session.Store {
	tableName := os.Getenv(EnvSessionsTable)
	if tableName == "" {
		log.Warn().Str("envVar", EnvSessionsTable).Msg("Sessions table not set, using in-memory store")
		return session.NewMemoryStore()
	}
	store, err := session.NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session store")
	}
	log.Info().Str("table", tableName).Msg("DynamoDB session store initialized")
	return store
}

// WebhookToken returns the shared secret the bucket notification target
// presents, from env or SSM. Fatals if neither source has it.
func WebhookToken(ssmClient *ssm.Client) string {
	return loadSecret(ssmClient, EnvWebhookToken, "SSM_WEBHOOK_TOKEN_PARAM", webhookTokenParam)
}

// ServiceToken returns the token the pipeline presents to inference
// backends, from env or SSM. Fatals if neither source has it.
func ServiceToken(ssmClient *ssm.Client) string {
	return loadSecret(ssmClient, EnvServiceToken, "SSM_SERVICE_TOKEN_PARAM", serviceTokenParam)
}

func loadSecret(ssmClient *ssm.Client, envVar, paramEnvVar, defaultParam string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	paramName := os.Getenv(paramEnvVar)
	if paramName == "" {
		paramName = defaultParam
	}
	start := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Str("envVar", envVar).Msg("Failed to read secret from SSM")
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *result.Parameter.Value
}
