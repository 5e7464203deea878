package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           gpumemd API
// @version         1.0
// @description     HTTP API for GPU memory pressure monitoring and batched inference.
//
// @contact.name   gpumemd maintainers
// @contact.url    https://github.com/your-org/gpumemd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
