// Command blekit serves and exercises framed command protocols.
package main

func main() {
	Execute()
}
