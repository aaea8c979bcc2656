// Package oxia backs the peer directory with an Oxia namespace.
//
// A node's presence key is written with PutEphemeral and is bound to the
// store's client session. When a node dies its session times out, Oxia
// deletes the key, and every other node's notification stream reports the
// deletion, which the directory turns into a fresh snapshot of live
// origins.
//
//	store, err := oxia.New(ctx, oxia.Config{ServiceAddress: "localhost:6648", Namespace: "mesh"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package oxia
