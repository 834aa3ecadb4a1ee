package main

import "github.com/andresmejia3/bodytrack/cmd"

func main() {
	cmd.Execute()
}
