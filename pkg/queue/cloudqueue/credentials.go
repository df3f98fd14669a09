package cloudqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/stscreds"

	"github.com/jaymon-go/morp/pkg/connection"
)

// StaticCredentials builds an aws.CredentialsProvider from
// cfg.Options["access_key_id"]/["secret_access_key"]/["session_token"],
// for DSNs that carry credentials inline (e.g. a dropfile-to-cloud
// migration still pinned to a service account key) instead of relying on
// the environment or an assumed role. Returns nil when no access key
// is configured, so callers can fall through to AssumeRoleCredentials or
// the SDK's default chain.
func StaticCredentials(cfg *connection.Config) aws.CredentialsProvider {
	accessKeyID := cfg.Options["access_key_id"]
	if accessKeyID == "" {
		return nil
	}
	return credentials.NewStaticCredentialsProvider(
		accessKeyID,
		cfg.Options["secret_access_key"],
		cfg.Options["session_token"],
	)
}

// AssumeRoleCredentials builds an aws.CredentialsProvider that assumes
// cfg.Options["arn"] and transparently refreshes before the assumed
// session expires. The returned provider is safe to share across every
// queue opened against cfg: aws.CredentialsCache only calls the
// underlying provider again once the cached credentials are within their
// expiry window.
//
// cfg.Options["session_ttl"], if set (seconds), overrides the assumed
// session duration; the SDK default (15 minutes) applies otherwise.
func AssumeRoleCredentials(ctx context.Context, cfg *connection.Config) (aws.CredentialsProvider, error) {
	arn := cfg.Options["arn"]
	if arn == "" {
		return nil, nil
	}

	region := cfg.Options["region"]
	if region == "" && len(cfg.Hosts) > 0 {
		region = cfg.Hosts[0].Name
	}
	if region == "" {
		return nil, fmt.Errorf("cloudqueue: arn set but no region to bootstrap an STS client")
	}

	bootstrap, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	stsClient := sts.NewFromConfig(bootstrap)

	provider := stscreds.NewAssumeRoleProvider(stsClient, arn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "morp"
		if ttl := cfg.Options["session_ttl"]; ttl != "" {
			if secs, ok := parseSeconds(ttl); ok {
				o.Duration = time.Duration(secs) * time.Second
			}
		}
	})

	return aws.NewCredentialsCache(provider), nil
}

func parseSeconds(s string) (int, bool) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err == nil
}
