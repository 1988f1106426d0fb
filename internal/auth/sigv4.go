package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// sigV4 signs outbound Bedrock requests with the standard AWS credential
// chain (env, shared config, instance role).
type sigV4 struct {
	signer *v4.Signer

	mu    sync.Mutex
	creds aws.CredentialsProvider
}

func newSigV4() *sigV4 {
	return &sigV4{signer: v4.NewSigner()}
}

func (s *sigV4) Name() string { return "sigv4" }

func (s *sigV4) provider(ctx context.Context) (aws.CredentialsProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != nil {
		return s.creds, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.creds = aws.NewCredentialsCache(cfg.Credentials)
	return s.creds, nil
}

func (s *sigV4) Apply(ctx context.Context, req *Request) error {
	provider, err := s.provider(ctx)
	if err != nil {
		return err
	}
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}

	region := regionFromHost(req.Outbound.URL.Host)
	if region == "" {
		return fmt.Errorf("cannot determine region from host %q", req.Outbound.URL.Host)
	}

	// Client credentials must not reach AWS.
	req.Outbound.Header.Del("x-api-key")
	req.Outbound.Header.Del("Authorization")

	sum := sha256.Sum256(req.Body)
	payloadHash := hex.EncodeToString(sum[:])
	return s.signer.SignHTTP(ctx, creds, req.Outbound, payloadHash, "bedrock", region, time.Now())
}

// regionFromHost extracts the region from a Bedrock endpoint host such as
// bedrock-runtime.us-east-1.amazonaws.com.
func regionFromHost(host string) string {
	host = strings.ToLower(host)
	const suffix = ".amazonaws.com"
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	host = strings.TrimSuffix(host, suffix)
	if idx := strings.LastIndex(host, "."); idx != -1 {
		return host[idx+1:]
	}
	return ""
}
