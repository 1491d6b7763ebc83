// Package common holds the configuration and logging shared by the rpc
// packages and the command line.
//
// Key Components:
//
//   - ServerConfig: every setting of a member process. ToGridConfig turns it
//     into the grid.Config of the node, ToRaftConfig into the parameters of
//     the raft store backend. String renders it for the startup banner.
//
//   - ClientConfig: endpoints, timeouts and retries of a client.
//
//   - TransportConfig: socket tuning of the framed transports, shared by
//     server and client.
//
//   - Logger: a dragonboat logger.ILogger printing "level | name | message"
//     lines. InitLoggers installs it and sets the level of the dragonboat
//     loggers and of every grid logger.
package common
