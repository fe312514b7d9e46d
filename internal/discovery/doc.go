// Package discovery populates an agent's resource store from a Probe and
// stabilizes the result.
//
// A Probe reports hardware facts as an Inventory of resources carrying fresh
// ephemeral ids, parents listed before their children. The Discoverer drops
// resources whose id collides or whose parent is missing, loads the rest into
// the store in one transaction and then runs a stabilization pass, so every
// rediscovery of the same hardware converges on the same ids.
//
// FixtureProbe reads an inventory from YAML and stands in for the hardware
// readers of a real agent.
package discovery
