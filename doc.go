// The tgdh package implements hierarchical Tree-based Group Diffie-Hellman
// (TGDH) key agreement.
//
// Members are assigned to ordered hierarchy levels.  The members of one
// level share a level secret, which is the root of a binary Diffie-Hellman
// key tree over those members (a [LevelTree]).  The levels themselves are
// the leaves of a second key tree (a [HierarchyTree]) whose root is the
// secret shared across all levels.  There is no trusted server: after a
// join or leave, a single sponsor recomputes the keys on its path to the
// root and publishes the public keys of that path as a [Branch]; every
// other member grafts the branch into its own replica and recomputes only
// the part of its own path above the lowest common ancestor.
//
// Both trees share one key-update engine.  A node's key is the
// Diffie-Hellman combination of its two children's keys: with p and g the
// group parameters, a node whose left child holds secret a and whose right
// child publishes g^b gets secret (g^b)^a mod p and public key
// g^((g^b)^a mod p) mod p.  A node with a single live child inherits that
// child's key pair unchanged.
//
// Tree objects are not safe for concurrent use.  Each participant owns
// private replicas and serializes its own access to them.
package tgdh
