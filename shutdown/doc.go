// Package shutdown stops the server in ordered phases.
//
// Components register handlers under a phase. Shutdown runs the phases in
// ascending order; handlers sharing a phase run concurrently and the next
// phase starts when all of them return.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("manifests", shutdown.PhaseIntake, watcher.Stop)
//	coord.RegisterFunc("units", shutdown.PhaseModules, loader.UnloadAll)
//	coord.RegisterFunc("remotes", shutdown.PhaseRemote, correlator.Close)
//	coord.RegisterFunc("store", shutdown.PhaseStorage, closeStore)
//	coord.HandleSignals(ctx)
//	<-coord.Done()
//
// The server uses four phases: intake (stop taking new work), modules
// (unload units), remote (close remote connections) and storage (close the
// record store, flush telemetry).
package shutdown
