package cli

import (
	"fmt"

	"github.com/virtstor/virtstor"
	"github.com/virtstor/virtstor/lease"
	"github.com/virtstor/virtstor/storage"
)

var (
	flagDomain      string
	flagBlockArea   string
	flagDevRoot     string
	flagLeases      bool
	flagPoolManager bool
)

func domainInfo() (storage.DomainInfo, error) {
	if flagDomain == "" {
		return storage.DomainInfo{}, fmt.Errorf("--domain is required")
	}
	id, err := virtstor.ParseUUID(flagDomain)
	if err != nil {
		return storage.DomainInfo{}, fmt.Errorf("parsing --domain: %w", err)
	}
	info := storage.DomainInfo{
		ID:             id,
		Type:           storage.DomainFile,
		SupportsLeases: flagLeases,
	}
	if flagBlockArea != "" {
		info.Type = storage.DomainBlock
	}
	if flagPoolManager {
		info.Role = storage.RolePoolManager
	}
	return info, nil
}

// openStore builds the metadata store the domain flags describe. The caller
// runs the returned closer when done.
func openStore() (storage.Store, func() error, error) {
	info, err := domainInfo()
	if err != nil {
		return nil, nil, err
	}
	if info.Type == storage.DomainBlock {
		s, err := storage.OpenBlockStore(flagBlockArea, flagDevRoot, info)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	s := storage.NewFileStore(cfg.RepoRoot, info)
	return s, func() error { return nil }, nil
}

// openLeases connects to the lease service when the domain uses one.
func openLeases() (lease.Manager, func() error) {
	if !flagLeases {
		return nil, func() error { return nil }
	}
	r := lease.NewRedis(lease.Options{Address: cfg.LeaseAddress, Password: cfg.LeasePassword})
	return r, r.Close
}

func parseUUIDFlag(name, value string) (virtstor.UUID, error) {
	if value == "" {
		return virtstor.NilUUID, fmt.Errorf("--%s is required", name)
	}
	id, err := virtstor.ParseUUID(value)
	if err != nil {
		return virtstor.NilUUID, fmt.Errorf("parsing --%s: %w", name, err)
	}
	return id, nil
}
