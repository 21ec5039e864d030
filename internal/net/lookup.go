package net

import (
	"context"
	"strings"
)

// Resolver performs reverse DNS lookups. *net.Resolver implements it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// RemoteHost returns the first name addr resolves to, or addr itself if the lookup fails or finds nothing.
func RemoteHost(ctx context.Context, r Resolver, addr string) string {
	if r == nil {
		return addr
	}
	names, err := r.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return addr
	}
	return strings.TrimSuffix(names[0], ".")
}
