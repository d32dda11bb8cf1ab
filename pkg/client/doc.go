// Package client is the application-facing API of the SDK.
//
// A Client is one device or module identity with its own connection:
//
//	c, err := client.NewFromConnectionString(connStr, client.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	c.OnConnectionStatusChange(func(sc connection.StatusChange) {
//		log.Printf("%s (%s)", sc.Status, sc.Reason)
//	})
//	if err := c.Open(ctx, true); err != nil {
//		return err
//	}
//	defer c.Close(ctx)
//	err = c.SendEvent(ctx, message.New(payload))
//
// A MultiplexingClient shares one AMQP connection between many clients.
// Clients registered with it send and receive over the shared connection,
// and their identities are registered again on every reconnect before the
// shared connection reports CONNECTED. An identity the hub detaches while
// the connection stays up is registered again in the background; each
// client reports its registration through OnRegistrationChange.
package client
