//go:build !cgo

package store

import "github.com/rotisserie/eris"

func openKuzu(string) (Store, error) {
	return nil, eris.New("store: kuzu driver requires a cgo build")
}
