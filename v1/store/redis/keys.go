package redis

// Both pools share one hash tag so the Lua scripts touching them stay on a
// single slot under Redis Cluster.

const defaultNamespace = "sortlock"

func waitingKey(ns string) string { return "{" + ns + "}:waiting" }

func heldKey(ns string) string { return "{" + ns + "}:held" }
