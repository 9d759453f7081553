// Package redis provides Redis client initialization with connection
// verification and retries, a health check function, and the SET NX leader
// lock used to keep the periodic scans single-flight across broker
// processes.
//
// # Usage
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal("failed to connect to redis:", err)
//	}
//	defer client.Close()
//
//	lock := redis.NewLock(client)
//	recovery, err := scanner.NewRecovery(store, runner, scanCfg,
//		scanner.WithRecoveryLocker(lock))
//
// Errors are classified with package-level sentinels checkable via
// errors.Is: ErrEmptyConnectionURL, ErrFailedToParseRedisConnString,
// ErrRedisNotReady, and ErrHealthcheckFailed.
package redis
