package evm

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/*.json
var embeddedABIs embed.FS

// DefaultABIs returns the embedded router and ERC-20 descriptors.
func DefaultABIs() fs.FS {
	return embeddedABIs
}

const (
	routerABIPath = "abi/router.json"
	erc20ABIPath  = "abi/erc20.json"
)

// Methods the swap path cannot run without.
var (
	requiredRouterMethods = []string{"swapExactETHForTokens", "getAmountsOut"}
	requiredERC20Methods  = []string{"symbol", "decimals"}
)

func loadABI(fsys fs.FS, path string, required []string) (*abi.ABI, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, m := range required {
		if _, ok := parsed.Methods[m]; !ok {
			return nil, fmt.Errorf("%s: missing method %s", path, m)
		}
	}
	return &parsed, nil
}
