package cloudqueue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/jaymon-go/morp/pkg/connection"
)

// buildClient loads the SDK's default config (region, retry, HTTP
// transport) and swaps in credentials when the caller supplied an
// auto-refreshing provider, so assumed-role sessions never need
// resolving more than once per expiry.
func buildClient(ctx context.Context, cfg *connection.Config, credentials aws.CredentialsProvider) (sqsClient, error) {
	region := cfg.Options["region"]
	if region == "" && len(cfg.Hosts) > 0 {
		region = cfg.Hosts[0].Name
	}
	if region == "" {
		return nil, fmt.Errorf("cloudqueue: no region configured (set ?region= or host)")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile := cfg.Options["profile_name"]; profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	}
	if credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}
