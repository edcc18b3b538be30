/*
This package defines the key-value contract shared by the scan result,
version lookup and pull comparison caches.

The interface `Client` stands in for the store; the `file` subpackage
implements it as a single JSON document that several processes can
read and write safely. Values are opaque JSON; every entry carries its
own time-to-live and reads past it are misses.
*/
package cache
