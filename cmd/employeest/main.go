// Package main is the employeest binary: the container entrypoint that
// prepares the database and hands off to the service, the service process
// itself, and the CI runner.
package main

func main() {
	Execute()
}
