// Package builtins provides the command sets served over JSON-RPC.
//
// # Overview
//
// A command set is a named group of handlers registered under one
// implementation tag. The registry keys each handler as
// "{implementation}:{group}:{name}" and the dispatcher only sees the
// handlers of the implementation it was configured with.
//
// # Command Sets
//
// Stubs (agent side), group "common":
//
//   - getManagersCollection: list root managers
//   - getCollection: list children of a component, filtered by type
//   - getComponentInfo: read one component by its current id
//   - setComponentAttributes: update name, status and free-form attributes
//
// Stubs (agent side), group "network":
//
//   - addPort: create and stabilize an ethernet switch port
//   - deleteEthernetSwitchPort: remove a port and everything under it
//
// Core (management side), group "agent":
//
//   - register: open a session for an agent listener
//   - heartbeat: refresh liveness and detect restarts
//
// Core (management side), group "events":
//
//   - componentNotification: receive store changes from an agent
//
// # Usage
//
//	reg := command.NewRegistry(logger)
//	builtins.Stubs(resources, stabilizer).RegisterAll(reg)
//	reg.Freeze()
//	d := command.NewDispatcher(reg, builtins.ImplementationStubs, logger)
package builtins
