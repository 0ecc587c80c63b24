//go:build !bedrock

package provider

import (
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

func newBedrock(config.ProviderConfig, *slog.Logger) (domain.Adapter, error) {
	return nil, fmt.Errorf("bedrock support not compiled in (build with -tags bedrock)")
}
